package tracker

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/buffer"
	"github.com/thebtf/solvetrace/internal/config"
	"github.com/thebtf/solvetrace/internal/db/sqlite"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/internal/remote/httpstore"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStorage opens the buffer backend selected by cfg. The returned closer
// releases it.
func OpenStorage(cfg *config.Config) (buffer.Storage, io.Closer, error) {
	switch cfg.BufferBackend {
	case config.BufferBackendFile:
		dir := strings.TrimSuffix(cfg.BufferPath, filepath.Ext(cfg.BufferPath))
		fs, err := buffer.NewFileStorage(dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nopCloser{}, nil
	case config.BufferBackendSQLite, "":
		store, err := sqlite.NewStore(sqlite.StoreConfig{
			Path:     cfg.BufferPath,
			MaxConns: cfg.MaxConns,
			WALMode:  true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open buffer database: %w", err)
		}
		return sqlite.NewKVStore(store), store, nil
	default:
		return nil, nil, fmt.Errorf("unknown buffer backend %q", cfg.BufferBackend)
	}
}

// OpenRemote returns the collector client selected by cfg.
func OpenRemote(cfg *config.Config) remote.Store {
	return httpstore.New(cfg.RemoteURL, httpstore.WithHTTPClient(&http.Client{Timeout: cfg.RemoteTimeout}))
}

// OpenBeacon returns the spool beacon for cfg, or an Async beacon when the
// spool directory cannot be created.
func OpenBeacon(cfg *config.Config, store remote.SessionStore) beacon.Beacon {
	spool, err := beacon.NewSpool(cfg.SpoolDir)
	if err != nil {
		return beacon.NewAsync(remote.NewUploader(store), cfg.RemoteTimeout)
	}
	return spool
}
