package config

import "slices"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", safe
// to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Slices are copied so the redacted copy cannot alias the original.
	out.Exchange.PaymentTokens = slices.Clone(cfg.Exchange.PaymentTokens)
	out.Access.Admins = slices.Clone(cfg.Access.Admins)
	out.Access.Grants = slices.Clone(cfg.Access.Grants)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Genesis = GenesisConfig{
		Items:        slices.Clone(cfg.Genesis.Items),
		Tokens:       slices.Clone(cfg.Genesis.Tokens),
		ItemBalances: slices.Clone(cfg.Genesis.ItemBalances),
	}
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
