// Package registry resolves environment records for external-key
// derivation. Lookups are read-through cached: environments change rarely
// but are resolved on every external-key request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/db"
)

// EnvStore is the storage collaborator.
type EnvStore interface {
	GetEnvironment(code string) (*db.Environment, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

const envCacheTTL = 5 * time.Minute

// cachedEnv carries the key secret through the cache round-trip; the
// Environment wire type hides it from JSON.
type cachedEnv struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	KeySecret   string `json:"keySecret"`
}

type Service struct {
	store  EnvStore
	cache  Cache
	logger *zap.Logger
}

func NewService(store EnvStore, cache Cache, logger *zap.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger}
}

// LoadByEnv resolves one environment record by code, case-insensitively.
func (s *Service) LoadByEnv(ctx context.Context, code string) (*db.Environment, error) {
	if code == "" {
		return nil, core.ErrEnvironmentNotFound
	}
	code = strings.ToUpper(code)

	cacheKey := fmt.Sprintf("env:%s", code)
	if s.cache != nil {
		var cached cachedEnv
		if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && cached.Code != "" {
			return &db.Environment{
				Code:        cached.Code,
				Description: cached.Description,
				KeySecret:   cached.KeySecret,
			}, nil
		}
	}

	env, err := s.store.GetEnvironment(code)
	if errors.Is(err, db.ErrNotFound) {
		return nil, core.ErrEnvironmentNotFound
	}
	if err != nil {
		s.logger.Error("environment lookup failed", zap.String("env", code), zap.Error(err))
		return nil, core.ModelError(err)
	}

	if s.cache != nil {
		entry := cachedEnv{Code: env.Code, Description: env.Description, KeySecret: env.KeySecret}
		if cerr := s.cache.SetJSON(ctx, cacheKey, entry, envCacheTTL); cerr != nil {
			s.logger.Warn("failed to cache environment", zap.String("env", code), zap.Error(cerr))
		}
	}
	return env, nil
}
