package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Keys
	out.Keys = cfg.Keys
	redact(&out.Keys.PrivateKey)
	redact(&out.Keys.KeyPassword)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Ledger.Tranches != nil {
		out.Ledger.Tranches = make([]TrancheConfig, len(cfg.Ledger.Tranches))
		copy(out.Ledger.Tranches, cfg.Ledger.Tranches)
	}
	if cfg.Ledger.Slices != nil {
		out.Ledger.Slices = make([]SliceConfig, len(cfg.Ledger.Slices))
		copy(out.Ledger.Slices, cfg.Ledger.Slices)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
