package ir

// Version constants for the artifact format and the host API.
const (
	// IRVersion is the program IR schema version embedded in artifacts.
	IRVersion = "1"

	// ArtifactFormatVersion is bumped whenever the persisted artifact layout changes.
	ArtifactFormatVersion = "1"

	// HostAPIVersion is the semver of the primitive surface exposed to cards.
	HostAPIVersion = "1.2.0"

	// EngineVersion is the cardrt runtime version.
	EngineVersion = "0.3.0"
)
