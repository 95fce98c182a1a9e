package storage

import (
	"context"
	"log/slog"
	"time"
)

// TokenSweeper is a scheduled job that purges expired API tokens.
type TokenSweeper struct {
	tokens TokenRepository
	logger *slog.Logger
}

// NewTokenSweeper creates a sweeper over the unscoped token repository.
func NewTokenSweeper(tokens TokenRepository, logger *slog.Logger) *TokenSweeper {
	return &TokenSweeper{tokens: tokens, logger: logger}
}

// Name implements scheduler.Job.
func (s *TokenSweeper) Name() string { return "token-sweeper" }

// Run deletes every token whose expiry passed.
func (s *TokenSweeper) Run(ctx context.Context) error {
	n, err := s.tokens.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired tokens purged", "count", n)
	}
	return nil
}
