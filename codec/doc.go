// Package codec picks a serialization format from a file's suffix. Save
// steps and the cache write whole records as ".data_dict" (encoding/gob) and
// single features as ".npy" (NumPy arrays via npyio); ".json" and ".yaml"
// are available for human-readable output. Registering a suffix twice
// replaces the previous codec; asking for an unknown suffix is a
// pipeline.ConfigError.
package codec
