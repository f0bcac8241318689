// Package coord holds the execution context shared by the components of a
// run: a registry of named locks guarding metadata files, and a claim set
// that stops concurrent workers from computing the same shared dependency
// twice.
//
// An Env is constructed by the caller (usually the runner) and passed down
// explicitly; there is no package-level state. Tests can use a fresh Env per
// case.
package coord
