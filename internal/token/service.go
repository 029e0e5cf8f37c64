// Package token issues and validates double-submit authorization tokens for
// state-changing calls. Validation fails closed: a store outage denies the
// request rather than silently disabling a security control.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/util"
)

var (
	ErrTokenInvalid   = errors.New("authorization token is missing, unknown, or expired")
	ErrTokenExhausted = errors.New("authorization token use budget exhausted")
	ErrValidation     = errors.New("authorization token could not be validated")
)

// Token is an issued credential the client must echo back.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	store   store.Store
	cfg     *config.Config
	timeout time.Duration
	logger  *zap.Logger
}

func NewService(s store.Store, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		store:   s,
		cfg:     cfg,
		timeout: cfg.StoreTimeout,
		logger:  logger,
	}
}

// Issue creates a fresh token with the configured TTL.
func (s *Service) Issue(ctx context.Context) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	value := hex.EncodeToString(buf)

	if err := s.store.Set(ctx, store.PrefixCSRF+value, "1", s.cfg.CSRF.TTL); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return &Token{
		Value:     value,
		ExpiresAt: time.Now().Add(s.cfg.CSRF.TTL),
	}, nil
}

// Validate checks the token and charges one use against its budget. The
// budget tolerates legitimate retries and concurrent tabs while bounding the
// replay value of a leaked token: past the budget within the use window, the
// token is destroyed.
func (s *Service) Validate(ctx context.Context, value string) error {
	if s.cfg.CSRF.Bypass && !s.cfg.IsProduction() {
		return nil
	}
	if value == "" {
		return ErrTokenInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.store.Exists(ctx, store.PrefixCSRF+value)
	if err != nil {
		util.Error("token existence check failed, denying request", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !exists {
		return ErrTokenInvalid
	}

	// First increment opens the use window.
	uses, err := s.store.IncrWithExpire(ctx, store.PrefixCSRFUse+value, s.cfg.CSRF.UseWindow)
	if err != nil {
		util.Error("token use count failed, denying request", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if uses > int64(s.cfg.CSRF.UseBudget) {
		if err := s.store.Del(ctx, store.PrefixCSRF+value, store.PrefixCSRFUse+value); err != nil {
			util.Warn("failed to destroy exhausted token", zap.Error(err))
		}
		util.Warn("authorization token exhausted", zap.Int64("uses", uses))
		return ErrTokenExhausted
	}
	return nil
}
