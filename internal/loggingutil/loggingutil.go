package loggingutil

import (
	"context"
	"io"
	"strings"

	"pkt.systems/pslog"
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// NewStructured returns a structured logger writing to w at minLevel. The
// environment under prefix may still override level and mode.
func NewStructured(ctx context.Context, w io.Writer, prefix string, minLevel pslog.Level) pslog.Logger {
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix(prefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: minLevel}),
		pslog.WithEnvWriter(w),
	)
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches the subsystem path under the "sys" key.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem == "" {
		return logger
	}
	return logger.With("sys", subsystem)
}
