package app

import (
	"context"
	"errors"
	"fmt"

	"stockline/internal/config"
	"stockline/internal/engine"
	"stockline/internal/repo"
)

// DefaultWarehouseID names the warehouse seeded into an empty workspace.
const DefaultWarehouseID = "main"

// ResolveConfig loads the warehouse config from the DB, seeding the default
// config, rules and customer ranks when the workspace is empty.
func ResolveConfig(ctx context.Context, eng engine.Engine, actorID string) (*config.Config, error) {
	cfg, err := eng.Repo.GetWarehouseConfig(ctx)
	if err == nil {
		if err := ensureRules(ctx, eng, cfg, actorID); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(DefaultWarehouseID)
	if err := eng.ApplyConfig(ctx, seed, actorOrDefault(actorID)); err != nil {
		return nil, fmt.Errorf("seed warehouse config: %w", err)
	}
	return seed, nil
}

// ensureRules re-applies cfg when the rules table was emptied by hand.
func ensureRules(ctx context.Context, eng engine.Engine, cfg *config.Config, actorID string) error {
	n, err := eng.Repo.CountRules(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := eng.ApplyConfig(ctx, cfg, actorOrDefault(actorID)); err != nil {
		return fmt.Errorf("seed allocation rules: %w", err)
	}
	return nil
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}
