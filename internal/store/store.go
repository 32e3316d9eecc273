// Package store holds the durable backends of the conversation context store.
package store

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown history backend")

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the persister for backend rooted at path, plus the closer
// that releases it.
func Open(backend, path string, log *zap.Logger) (ctxpkg.Persister, io.Closer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch backend {
	case BackendJSON, "":
		return NewJSONFile(path, log), nopCloser{}, nil
	case BackendSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendBadger:
		b, err := OpenBadger(path)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}
