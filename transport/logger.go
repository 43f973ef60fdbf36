package transport

import "github.com/ThreeDotsLabs/watermill"

// LoggerAdapter is the structured logger drivers receive from the builder.
// It aliases Watermill's adapter so watermill-backed drivers can pass it
// through unchanged and raw-client drivers can log with the same fields.
type LoggerAdapter = watermill.LoggerAdapter

// LogFields aliases Watermill's log field map.
type LogFields = watermill.LogFields

// NopLogger discards all log output.
type NopLogger = watermill.NopLogger
