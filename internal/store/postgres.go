package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresChain is the durable, insert-only mirror of a chain. The in-memory
// arena stays authoritative; this archive exists for recovery and offline
// audit, so it deliberately has no UPDATE or DELETE path.
type PostgresChain struct {
	db *pgxpool.Pool
}

func NewPostgresChain(db *pgxpool.Pool) *PostgresChain {
	return &PostgresChain{db: db}
}

// EnsureSchema creates the archive table if it is missing.
func (s *PostgresChain) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS chain_cells (
			graph_id    TEXT        NOT NULL,
			seq         INTEGER     NOT NULL,
			cell_id     TEXT        NOT NULL,
			cell        JSONB       NOT NULL,
			appended_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (graph_id, seq),
			UNIQUE (graph_id, cell_id)
		)`)
	return err
}

func (s *PostgresChain) SaveCell(ctx context.Context, seq int, cell *domain.Cell) error {
	payload, err := json.Marshal(cell)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO chain_cells (graph_id, seq, cell_id, cell)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (graph_id, seq) DO NOTHING`,
		cell.GraphID, seq, cell.CellID, payload,
	)
	return err
}

func (s *PostgresChain) LoadCells(ctx context.Context, graphID string) ([]domain.Cell, error) {
	rows, err := s.db.Query(ctx,
		`SELECT cell FROM chain_cells WHERE graph_id = $1 ORDER BY seq ASC`,
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []domain.Cell
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cell domain.Cell
		if err := json.Unmarshal(payload, &cell); err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func (s *PostgresChain) GetBySeq(ctx context.Context, graphID string, seq int) (*domain.Cell, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT cell FROM chain_cells WHERE graph_id = $1 AND seq = $2`,
		graphID, seq,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cell domain.Cell
	if err := json.Unmarshal(payload, &cell); err != nil {
		return nil, err
	}
	return &cell, nil
}

// RestoreChain rebuilds an in-memory chain from the archive, re-validating
// every invariant on the way back in.
func RestoreChain(ctx context.Context, archive domain.ArchiveStore, graphID string) (*MemoryChain, error) {
	cells, err := archive.LoadCells(ctx, graphID)
	if err != nil {
		return nil, err
	}
	chain := NewMemoryChain(graphID)
	for i := range cells {
		if err := chain.Append(ctx, cells[i], false); err != nil {
			return nil, err
		}
	}
	return chain, nil
}
