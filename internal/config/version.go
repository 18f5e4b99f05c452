package config

// Build metadata, set via -ldflags "-X github.com/edirooss/wallflower/internal/config.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
