// Package config provides configuration structures and validation helpers for simple-impersonate.
//
// Structures carry cleanenv tags so a service can load them with
// cleanenv.ReadEnv after optionally loading a .env file:
//
//	var cfg struct {
//		Limits  config.LimitsConfig
//		Engine  config.EngineConfig
//		Storage config.StorageConfig
//	}
//	if err := cleanenv.ReadEnv(&cfg); err != nil {
//		return err
//	}
//	if err := cfg.Limits.Validate(); err != nil {
//		return err
//	}
//
// Validation helpers compose into a single error listing every problem:
//
//	return config.Validate(func() config.ValidationErrors {
//		return config.CollectErrors(
//			config.RequirePositive("max_sessions_per_hour", c.MaxSessionsPerHour),
//			config.RequireNonEmpty("host", c.Host),
//		)
//	})
package config
