// Package svcfields tags log entries with the component that emitted them.
// Loggers handed down through the server and the client engine carry a
// dot-delimited "sys" field ("client.syncer", "httpapi") so structured
// output can be filtered per subsystem.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the field key carried by every tagged entry.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins path fragments into a dot-delimited subsystem name.
// Empty fragments and stray separators are dropped.
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger whose entries carry the subsystem tag.
// A nil logger yields a noop logger so call sites never nil-check.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
