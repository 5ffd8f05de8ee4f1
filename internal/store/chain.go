package store

import (
	"context"
	"errors"
	"sync"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/signing"
)

var ErrNotFound = errors.New("not found")

// MemoryChain is the authoritative chain representation: an owned append-only
// arena plus a cell_id index. Append is serialized by one mutex per chain;
// reads copy out a snapshot so they never observe a half-applied append.
type MemoryChain struct {
	graphID  string
	resolver domain.KeyResolver

	mu    sync.Mutex
	cells []domain.Cell
	index map[string]int
}

func NewMemoryChain(graphID string) *MemoryChain {
	return &MemoryChain{
		graphID: graphID,
		index:   make(map[string]int),
	}
}

func (c *MemoryChain) GraphID() string { return c.graphID }

// SetKeyResolver arms cryptographic verification of cell signatures on
// verified appends. Without a resolver only signature presence is checked.
func (c *MemoryChain) SetKeyResolver(r domain.KeyResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = r
}

func (c *MemoryChain) Append(ctx context.Context, cell domain.Cell, verifySignatures bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(ctx, cell, verifySignatures)
}

func (c *MemoryChain) WithAppendLock(ctx context.Context, verifySignatures bool, fn func(head *domain.Cell, cells []domain.Cell) (*domain.Cell, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var head *domain.Cell
	if n := len(c.cells); n > 0 {
		h := c.cells[n-1]
		head = &h
	}
	snapshot := make([]domain.Cell, len(c.cells))
	copy(snapshot, c.cells)
	cell, err := fn(head, snapshot)
	if err != nil {
		return err
	}
	if cell == nil {
		return nil
	}
	return c.appendLocked(ctx, *cell, verifySignatures)
}

// appendLocked enforces every chain invariant. Callers hold c.mu.
func (c *MemoryChain) appendLocked(ctx context.Context, cell domain.Cell, verifySignatures bool) error {
	if err := cell.ValidateHeader(); err != nil {
		return err
	}
	if cell.GraphID != c.graphID {
		return domain.NewIntegrityFail("cell belongs to a different graph", map[string]any{
			"cell_graph_id":  cell.GraphID,
			"chain_graph_id": c.graphID,
		})
	}

	recomputed, err := domain.ComputeCellID(&cell)
	if err != nil {
		return err
	}
	if recomputed != cell.CellID {
		return domain.NewIntegrityFail("cell_id does not match canonical content", map[string]any{
			"stored_cell_id":     cell.CellID,
			"recomputed_cell_id": recomputed,
		})
	}

	if len(c.cells) == 0 {
		if cell.CellType != domain.CellTypeGenesis {
			return domain.NewIntegrityFail("first cell must be genesis", map[string]any{
				"cell_type": string(cell.CellType),
			})
		}
		if cell.PrevCellHash != domain.GenesisPrevHash {
			return domain.NewIntegrityFail("genesis prev_cell_hash must be the zero sentinel", map[string]any{
				"prev_cell_hash": cell.PrevCellHash,
			})
		}
	} else {
		if cell.CellType == domain.CellTypeGenesis {
			return domain.NewIntegrityFail("graph already has a genesis cell", nil)
		}
		head := c.cells[len(c.cells)-1]
		if cell.PrevCellHash != head.CellID {
			return domain.NewIntegrityFail("prev_cell_hash does not reference the current head", map[string]any{
				"prev_cell_hash": cell.PrevCellHash,
				"head_cell_id":   head.CellID,
			})
		}
		if cell.SystemTime.Before(head.SystemTime) {
			return domain.NewIntegrityFail("system_time regresses below the current head", map[string]any{
				"cell_system_time": cell.SystemTime.String(),
				"head_system_time": head.SystemTime.String(),
			})
		}
	}

	if verifySignatures && cell.Proof.SignatureRequired && cell.Proof.Signature == "" {
		return domain.NewSignatureInvalid("cell declares signature_required but carries no signature", map[string]any{
			"cell_id": cell.CellID,
		})
	}
	if verifySignatures && c.resolver != nil && cell.Proof.Signature != "" {
		if err := c.verifyCellSignature(ctx, &cell); err != nil {
			return err
		}
	}

	if _, dup := c.index[cell.CellID]; dup {
		return domain.NewIntegrityFail("cell_id already present on chain", map[string]any{
			"cell_id": cell.CellID,
		})
	}

	c.cells = append(c.cells, cell)
	c.index[cell.CellID] = len(c.cells) - 1
	return nil
}

// verifyCellSignature checks the cell signature against the canonical content
// using the signer's resolved public key. The signature covers the canonical
// bytes, which exclude the signature itself and the cell_id.
func (c *MemoryChain) verifyCellSignature(ctx context.Context, cell *domain.Cell) error {
	pub, err := c.resolver.ResolveKey(ctx, cell.Proof.SignerKeyID)
	if err != nil {
		return err
	}
	content, err := domain.CanonicalContent(cell)
	if err != nil {
		return err
	}
	payload, err := domain.CanonicalBytes(content)
	if err != nil {
		return err
	}
	sig, err := signing.DecodeSignatureB64(cell.Proof.Signature)
	if err != nil {
		return err
	}
	if !signing.Verify(pub, payload, sig) {
		return domain.NewSignatureInvalid("cell signature does not cover the canonical content", map[string]any{
			"cell_id":       cell.CellID,
			"signer_key_id": cell.Proof.SignerKeyID,
		})
	}
	return nil
}

func (c *MemoryChain) Head(ctx context.Context) (*domain.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cells) == 0 {
		return nil, nil
	}
	head := c.cells[len(c.cells)-1]
	return &head, nil
}

func (c *MemoryChain) Cells(ctx context.Context) ([]domain.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Cell, len(c.cells))
	copy(out, c.cells)
	return out, nil
}

func (c *MemoryChain) GetByID(ctx context.Context, cellID string) (*domain.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[cellID]
	if !ok {
		return nil, ErrNotFound
	}
	cell := c.cells[i]
	return &cell, nil
}

func (c *MemoryChain) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cells), nil
}

// VerifyIntegrity walks the whole chain recomputing ids and links. Used by
// audits and after loading from the archive.
func (c *MemoryChain) VerifyIntegrity(ctx context.Context) error {
	cells, err := c.Cells(ctx)
	if err != nil {
		return err
	}
	prev := domain.GenesisPrevHash
	for i := range cells {
		id, err := domain.ComputeCellID(&cells[i])
		if err != nil {
			return err
		}
		if id != cells[i].CellID {
			return domain.NewIntegrityFail("cell content does not match cell_id", map[string]any{
				"position": i,
				"cell_id":  cells[i].CellID,
			})
		}
		if cells[i].PrevCellHash != prev {
			return domain.NewIntegrityFail("broken hash link", map[string]any{
				"position": i,
				"cell_id":  cells[i].CellID,
			})
		}
		prev = cells[i].CellID
	}
	return nil
}
