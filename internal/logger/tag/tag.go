// Package tag provides standardized attribute constructors for structured
// logging. Use these instead of raw keys so log output stays consistent.
package tag

import "log/slog"

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Run creates a tag for run ids.
func Run(id string) slog.Attr {
	return slog.String("run-id", id)
}

// Block creates a tag for block ids.
func Block(id string) slog.Attr {
	return slog.String("block", id)
}

// DAG creates a tag for pipeline names.
func DAG(name string) slog.Attr {
	return slog.String("dag", name)
}

// Gate creates a tag for gate labels.
func Gate(label string) slog.Attr {
	return slog.String("gate", label)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Seq creates a tag for event sequence numbers.
func Seq(n int64) slog.Attr {
	return slog.Int64("seq", n)
}

// Event creates a tag for event types.
func Event(typ string) slog.Attr {
	return slog.String("event", typ)
}

// Status creates a tag for lifecycle statuses.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Provider creates a tag for provider adapter names.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Client creates a tag for stream client ids.
func Client(id string) slog.Attr {
	return slog.String("client-id", id)
}

// Token creates a tag for approval tokens.
func Token(token string) slog.Attr {
	return slog.String("token", token)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}
