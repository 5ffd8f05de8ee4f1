// Seed script for creating a demo ledger in DecisionGraph.
// Run with: go run ./scripts/seed.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment
	envFile := os.Getenv("DECISIONGRAPH_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	graphID := os.Getenv("GRAPH_ID")
	if graphID == "" {
		graphID = "default"
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	archive := store.NewPostgresChain(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	chain := store.NewMemoryChain(graphID)
	now := time.Now().UTC()

	genesis, err := domain.NewGenesisCell(graphID, now, "seeded demo ledger")
	if err != nil {
		log.Fatalf("failed to build genesis: %v", err)
	}
	appendAndMirror(ctx, chain, archive, genesis, 0)

	prev := genesis.CellID
	facts := []domain.FactPayload{
		{Namespace: "corp.hr", Subject: "employee:jane", Predicate: "has_salary", Object: "95000", Confidence: 0.9, ValidFrom: now},
		{Namespace: "corp.hr", Subject: "employee:jane", Predicate: "has_title", Object: "engineer", Confidence: 0.95, ValidFrom: now},
		{Namespace: "corp.finance", Subject: "vendor:acme", Predicate: "payment_terms", Object: "net30", Confidence: 0.85, ValidFrom: now},
	}
	for i, f := range facts {
		cell, err := domain.NewFactCell(graphID, now.Add(time.Duration(i+1)*time.Second), prev, f, domain.Proof{})
		if err != nil {
			log.Fatalf("failed to build fact: %v", err)
		}
		appendAndMirror(ctx, chain, archive, cell, i+1)
		prev = cell.CellID
	}

	expiry := now.Add(30 * 24 * time.Hour)
	bridge, err := domain.NewBridgeCell(graphID, now.Add(10*time.Second), prev, domain.BridgePayload{
		FromNamespace:   "corp.finance",
		ToNamespace:     "corp.hr",
		ValidFrom:       now,
		ValidTo:         &expiry,
		FromSignerKeyID: "finance-admin",
		FromSignature:   "c2VlZC1ncmFudC1mcm9t",
		ToSignerKeyID:   "hr-admin",
		ToSignature:     "c2VlZC1ncmFudC10bw==",
	}, domain.Proof{})
	if err != nil {
		log.Fatalf("failed to build bridge: %v", err)
	}
	appendAndMirror(ctx, chain, archive, bridge, len(facts)+1)

	n, _ := chain.Len(ctx)
	fmt.Printf("Seeded graph %q with %d cells\n", graphID, n)
}

func appendAndMirror(ctx context.Context, chain *store.MemoryChain, archive *store.PostgresChain, cell domain.Cell, seq int) {
	if err := chain.Append(ctx, cell, false); err != nil {
		log.Fatalf("failed to append cell: %v", err)
	}
	if err := archive.SaveCell(ctx, seq, &cell); err != nil {
		log.Fatalf("failed to mirror cell: %v", err)
	}
}
