// Package log wraps zerolog with the block storage engine's logging
// conventions: a package-global Logger initialized once via Init, and
// WithComponent/WithDatabase child loggers so every log line from
// pkg/engine, pkg/recovery, and pkg/coordination carries enough
// context to trace a commit or recovery run across databases.
package log
