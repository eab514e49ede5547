// Package persistence implements the DSN-scheme backend registry from
// SPEC_FULL.md §4.14: optional durable mirrors for ActiveSet membership
// and DelayScheduler entries, selected by a connection-string scheme the
// same way the teacher's relayfile backend_registry.go and
// state_backend_factory.go pick a StateBackend.
package persistence

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/delay"
)

// ErrNotImplemented is returned for a recognized but unsupported scheme,
// mirroring the teacher's sentinel for backends named in config but not
// yet wired (redis/nats/sqs/kafka in the teacher; here it only applies to
// schemes this module has deliberately not implemented).
var ErrNotImplemented = errors.New("persistence: backend not implemented")

// BuildActiveSetStore resolves dsn to an activeset.Store. An empty dsn
// returns (nil, nil): no durable mirror, in-memory only.
func BuildActiveSetStore(dsn string) (activeset.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryActiveSetStore(), nil
	case "file":
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewFileActiveSetStore(path), nil
	case "postgres", "postgresql":
		return NewPostgresActiveSetStore(dsn)
	case "sqlite":
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteActiveSetStore(path)
	case "redis", "nats":
		return nil, fmt.Errorf("%w: active set store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported active set store scheme: %s", scheme)
	}
}

// BuildDelayStore resolves dsn to a delay.Store. An empty dsn returns
// (nil, nil): no durable mirror, delayed retries do not survive restart.
func BuildDelayStore(dsn string) (delay.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDelayStore(), nil
	case "file":
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewFileDelayStore(path), nil
	case "postgres", "postgresql":
		return NewPostgresDelayStore(dsn)
	case "sqlite":
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteDelayStore(path)
	case "redis", "nats":
		return nil, fmt.Errorf("%w: delay store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported delay store scheme: %s", scheme)
	}
}

func parseScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(parsed.Scheme)), nil
}

// dsnPath extracts the filesystem path out of a file:// or sqlite:// DSN,
// accepting both "scheme:///abs/path" and "scheme://relative/path" forms.
func dsnPath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	path := parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("dsn %q has no path component", dsn)
	}
	return path, nil
}
