package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSink is returned by Open for an unrecognised spec.
var ErrUnknownSink = errors.New("sink: unknown sink")

// Open builds a sink from a spec string:
//
//	stdout
//	jsonl:<path>
//	csv:<path>
//	sqlite:<path>
//	postgres:<dsn>
//	webhook:<url>
func Open(ctx context.Context, spec string) (Sink, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch kind {
	case "", "stdout":
		return NewStdout(), nil
	case "jsonl":
		return wrap(CreateJSONL(arg))
	case "csv":
		return wrap(CreateCSV(arg))
	case "sqlite":
		return wrap(OpenSQLite(arg))
	case "postgres", "postgresql":
		dsn := arg
		if strings.HasPrefix(arg, "//") {
			dsn = kind + ":" + arg
		}
		return wrap(OpenPostgres(ctx, PostgresConfig{DSN: dsn}))
	case "webhook":
		return NewWebhook(arg), nil
	case "http", "https":
		return NewWebhook(spec), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, spec)
	}
}

// wrap keeps a failed constructor from returning a typed nil Sink.
func wrap[S Sink](s S, err error) (Sink, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
