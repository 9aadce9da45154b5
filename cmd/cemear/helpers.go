package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cemear "github.com/cemear/cemear-go"
)

var errNoSession = errors.New("no session. Run 'cemear init <token> <user-id>' first")

// session bundles what the data commands share: resolved config, logger,
// REST client, metrics and the optional snapshot cache.
type session struct {
	cfg      *Config
	log      *zap.Logger
	client   *cemear.Client
	registry *prometheus.Registry
	metrics  *cemear.Metrics
	cache    cemear.Cache
}

func newSession() (*session, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errNoSession
	}
	log, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	opts := []cemear.ClientOption{cemear.WithClientLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, cemear.WithBaseURL(cfg.Default.BaseURL))
	}
	reg := prometheus.NewRegistry()
	s := &session{
		cfg:      cfg,
		log:      log,
		client:   cemear.NewClient(cfg.Auth.Token, opts...),
		registry: reg,
		metrics:  cemear.NewMetrics(reg),
	}

	if cfg.Default.CacheDir != "" {
		c, err := cemear.OpenPebbleCache(expandHome(cfg.Default.CacheDir), log)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

func (s *session) Close() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.Warn("cache_close_failed", zap.Error(err))
		}
	}
	_ = s.log.Sync()
}

// store returns a store hydrated over REST only.
func (s *session) store(ctx context.Context) (*cemear.Store, error) {
	store := cemear.NewStore(s.cfg.Auth.UserID, s.client,
		cemear.WithCache(s.cache),
		cemear.WithStoreLogger(s.log),
		cemear.WithStoreMetrics(s.metrics),
		cemear.WithPageLimit(s.cfg.Default.PageLimit))
	if err := store.Restore(); err != nil {
		s.log.Warn("restore_failed", zap.Error(err))
	}
	if err := store.Hydrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// messenger starts a realtime session. The messenger is returned even when
// Start fails so callers can decide whether a partial session is enough.
func (s *session) messenger(ctx context.Context) (*cemear.Messenger, error) {
	m := cemear.NewMessenger(s.client,
		cemear.WithLogger(s.log),
		cemear.WithMetrics(s.metrics),
		cemear.WithMessageCache(s.cache),
		cemear.WithMessagePageLimit(s.cfg.Default.PageLimit))
	return m, m.Start(ctx, s.cfg.Auth.UserID)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// displayName prefers the directory username over the raw id.
func displayName(id string, u *cemear.User) string {
	if u != nil && u.Username != "" {
		return u.Username
	}
	return id
}
