package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nursefi/nursefi/identity"
	"github.com/nursefi/nursefi/internal/config"
	"github.com/nursefi/nursefi/store"
)

var errNoSigningKey = errors.New("no signing key configured")

// BuildVerifier assembles the bearer token verifier from auth settings. Without key
// material it only accepts the test token, and only outside production.
func BuildVerifier(cfg config.AuthConfig) (identity.Verifier, error) {
	var v identity.Verifier

	jwtVerifier, err := identity.NewJWTVerifier(identity.JWTConfig{
		SigningMethod: cfg.SigningMethod,
		Secret:        cfg.JWTSecret,
		PublicKey:     cfg.JWTPublicKey,
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		Leeway:        cfg.Leeway,
	})
	switch {
	case err == nil:
		v = jwtVerifier
	case cfg.JWTSecret == "" && cfg.JWTPublicKey == "" &&
		cfg.TestToken != "" && cfg.Environment != identity.ProductionEnv:
		v = identity.VerifierFunc(func(context.Context, string) (string, error) {
			return "", errNoSigningKey
		})
	default:
		return nil, fmt.Errorf("build verifier: %w", err)
	}

	v = identity.WithTimeout(v, cfg.Timeout)
	return identity.TestMode(v, cfg.TestToken, cfg.TestSubject, cfg.Environment), nil
}

// BuildCounterStore opens the configured rate limit counter backend.
func BuildCounterStore(cfg config.RateLimitStoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return store.NewMemory(), nil
	case "redis":
		st, err := store.NewRedis(store.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown rate limit store driver %q", cfg.Driver)
	}
}
