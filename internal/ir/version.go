package ir

// Version constants for persisted records and the engine.
const (
	// SchemaVersion is the version of the persisted record shapes.
	SchemaVersion = "1"

	// EngineVersion is the bitgate engine version.
	EngineVersion = "0.4.0"

	// ProofGenerator identifies the component stamped into ProofLine.GeneratedBy.
	ProofGenerator = "bitgate/band-engine@" + EngineVersion
)
