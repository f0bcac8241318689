// Package link attaches stimulus records to brain recordings.
//
// The Step reads the events of a recording (by default the BIDS
// "<prefix>_events.tsv" next to the recording), stores them under
// "event_info", and sets "stimuli" to the matching stimulus records. These
// come either from a fixed list, filtered by a Comparison, or from running a
// stimulus step (usually a pipeline ending in a save) on one prototype record
// per event row. Recordings sharing a stimulus then compete for the same
// work; a coord.Claims makes the first one compute it while the others wait
// and afterwards reuse the saved result.
package link
