// Package config loads docsync configuration.
//
// Precedence, lowest first: Default(), a JSON or YAML file (Load), a .env file
// (LoadDotEnv), then DOCSYNC_* environment variables (FromEnv). Command-line
// flags are applied last by the server command.
//
//	_ = config.LoadDotEnv("")
//	cfg, err := config.Load("/etc/docsync.yaml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { ... }
package config
