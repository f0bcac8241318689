// Package save provides DefaultSave, the checkpoint step of a pipeline.
//
// DefaultSave writes each record it receives under a root directory, either
// whole (".data_dict") or as selected features (".npy", optionally one file
// per set name such as train/val/test). Every written file is recorded in
// <root>/.save_metadata.json under the record's content key (by default the
// base name of data_path, stimulus_path or trigger_path):
//
//	{
//	  "sub-01_task-listen_eeg.bdf": [
//	    {"filename": "sub-01_task-listen_eeg.data_dict", "feature_name": null, "set_name": null}
//	  ]
//	}
//
// The metadata answers the questions of the reload scan: IsAlreadyDone is
// true when every configured feature has at least one entry and all of them
// exist on disk; IsReloadable is true when a whole-record file exists (per
// feature saves cannot be reloaded). Metadata updates run under a named lock
// from the coord package so concurrent workers do not lose entries. Entries
// written as plain strings by older versions are still honored, with a
// one-time warning.
package save
