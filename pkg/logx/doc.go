// Package logx wraps zerolog behind a small structured-logging API.
//
// The Service owns the configured sinks (console, JSON file, operator chat)
// and can swap them at runtime via Apply(). Loggers created from the Service
// stay live across Apply() calls. The zero Logger is a safe no-op.
package logx
