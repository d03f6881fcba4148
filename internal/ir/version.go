package ir

// Version constants.
const (
	// SchemaVersion is the on-disk schema version written by this build.
	SchemaVersion = 3

	// EngineVersion is the scorelog engine version.
	EngineVersion = "0.3.0"
)
