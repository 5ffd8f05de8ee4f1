package domain

import (
	"context"
	"crypto/ed25519"
)

// ChainStore is an append-only, hash-linked sequence of cells for one graph.
// Append is the only mutating operation and is serialized per graph by the
// implementation. Reads observe a consistent snapshot.
type ChainStore interface {
	GraphID() string

	// Append validates and appends a cell: header shape, cell_id
	// recomputation, prev link against the current head, non-decreasing
	// system_time, genesis uniqueness. When verifySignatures is true a cell
	// declaring signature_required must carry a signature (presence check;
	// cryptographic verification is the KeyResolver extension point).
	Append(ctx context.Context, cell Cell, verifySignatures bool) error

	// WithAppendLock runs fn inside the per-graph exclusive section with the
	// current head and a snapshot of the sequence. If fn returns a cell it is
	// validated and appended before the lock is released, so
	// read-check-append sequences are atomic.
	WithAppendLock(ctx context.Context, verifySignatures bool, fn func(head *Cell, cells []Cell) (*Cell, error)) error

	// Head returns the newest cell, or nil on an empty chain.
	Head(ctx context.Context) (*Cell, error)

	// Cells returns a snapshot of the full sequence in append order.
	Cells(ctx context.Context) ([]Cell, error)

	GetByID(ctx context.Context, cellID string) (*Cell, error)
	Len(ctx context.Context) (int, error)
}

// ArchiveStore mirrors appended cells into durable storage. The in-memory
// arena stays authoritative; the archive is for recovery and offline audit.
type ArchiveStore interface {
	SaveCell(ctx context.Context, seq int, cell *Cell) error
	LoadCells(ctx context.Context, graphID string) ([]Cell, error)
}

// KeyResolver maps a signer key ID to a raw Ed25519 public key. Full
// cryptographic verification of cell signatures at append time plugs in
// here; the core itself never resolves identities.
type KeyResolver interface {
	ResolveKey(ctx context.Context, signerKeyID string) (ed25519.PublicKey, error)
}

// StaticKeyResolver resolves from a fixed map. Used by tests and examples.
type StaticKeyResolver map[string]ed25519.PublicKey

func (r StaticKeyResolver) ResolveKey(_ context.Context, signerKeyID string) (ed25519.PublicKey, error) {
	key, ok := r[signerKeyID]
	if !ok {
		return nil, NewSignatureInvalid("unknown signer key id", map[string]any{"signer_key_id": signerKeyID})
	}
	return key, nil
}
