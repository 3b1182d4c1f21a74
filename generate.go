//go:generate go run ./internal/tools/versiongen -o VERSION

// Package coqsync composes proof-assistant sessions with the HTTP API and
// the file watcher.
package coqsync
