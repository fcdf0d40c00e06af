// Package log provides docsync's structured logging facade and utilities.
//
// # Overview
//
// Components log through the Logger interface with leveled methods and Field
// helpers for structured context. BaseLogger is a slog.Handler pipeline
// underneath: records become Entries that a Formatter renders and every
// Output receives.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("reconcile"), log.Str("queue", "pending-patients"))
//	l.Info("pass complete", log.Int("synced", 3))
//
// # Configuration
//
// ApplyConfig builds a logger from Config: text or JSON, console/file/null
// outputs, key redaction and per-message sampling.
//
// RedirectStdLog routes the standard library logger (Pebble, net/http) through
// a Logger.
package log
