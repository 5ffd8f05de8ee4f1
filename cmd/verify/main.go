package main

import (
	"context"

	"github.com/Harshitk-cp/decisiongraph/internal/buildconfig"
	"github.com/Harshitk-cp/decisiongraph/internal/config"
	"github.com/Harshitk-cp/decisiongraph/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Restores a graph from the Postgres archive, replaying every cell through
// the full append validation, then walks the chain end to end. Exits non-zero
// on the first broken invariant.
func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	graphID := config.GraphID()
	logger.Info("verifying archived chain",
		zap.String("app", buildconfig.Name),
		zap.String("graph_id", graphID),
		zap.String("version", buildconfig.Version()),
	)

	archive := store.NewPostgresChain(pool)
	chain, err := store.RestoreChain(ctx, archive, graphID)
	if err != nil {
		logger.Fatal("archive replay failed", zap.Error(err))
	}

	if err := chain.VerifyIntegrity(ctx); err != nil {
		logger.Fatal("chain integrity check failed", zap.Error(err))
	}

	n, err := chain.Len(ctx)
	if err != nil {
		logger.Fatal("failed to read chain length", zap.Error(err))
	}
	head, err := chain.Head(ctx)
	if err != nil {
		logger.Fatal("failed to read chain head", zap.Error(err))
	}
	headID := ""
	if head != nil {
		headID = head.CellID
	}

	logger.Info("chain verified",
		zap.Int("cells", n),
		zap.String("head", headID),
	)
}
