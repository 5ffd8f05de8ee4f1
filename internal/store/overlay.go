package store

import (
	"context"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
)

// OverlayChain is the read-only composite a simulation queries: the real
// chain plus a set of shadow cells. Overlay fact cells mask same-key real
// fact cells and an overlay policy head masks the real policy chain. The
// overlay has no write path at all; both mutating methods refuse, which is
// what keeps shadow state structurally out of the real ledger.
type OverlayChain struct {
	base    domain.ChainStore
	overlay []domain.Cell

	maskedFactKeys map[string]struct{}
	maskPolicy     bool
}

func NewOverlayChain(base domain.ChainStore, overlay []domain.Cell) *OverlayChain {
	masked := make(map[string]struct{})
	maskPolicy := false
	for i := range overlay {
		switch overlay[i].CellType {
		case domain.CellTypeFact:
			masked[overlay[i].Fact.ConflictKey()] = struct{}{}
		case domain.CellTypePolicyHead:
			maskPolicy = true
		}
	}
	return &OverlayChain{
		base:           base,
		overlay:        overlay,
		maskedFactKeys: masked,
		maskPolicy:     maskPolicy,
	}
}

func (o *OverlayChain) GraphID() string { return o.base.GraphID() }

func (o *OverlayChain) Append(ctx context.Context, cell domain.Cell, verifySignatures bool) error {
	return domain.NewIntegrityFail("overlay chain is read-only", nil)
}

func (o *OverlayChain) WithAppendLock(ctx context.Context, verifySignatures bool, fn func(head *domain.Cell, cells []domain.Cell) (*domain.Cell, error)) error {
	return domain.NewIntegrityFail("overlay chain is read-only", nil)
}

// Cells returns the base snapshot with masked cells removed, followed by the
// overlay cells. Order within each part is stable, so the composite view is
// deterministic.
func (o *OverlayChain) Cells(ctx context.Context) ([]domain.Cell, error) {
	base, err := o.base.Cells(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Cell, 0, len(base)+len(o.overlay))
	for i := range base {
		if base[i].CellType == domain.CellTypeFact {
			if _, masked := o.maskedFactKeys[base[i].Fact.ConflictKey()]; masked {
				continue
			}
		}
		if base[i].CellType == domain.CellTypePolicyHead && o.maskPolicy {
			continue
		}
		out = append(out, base[i])
	}
	out = append(out, o.overlay...)
	return out, nil
}

func (o *OverlayChain) Head(ctx context.Context) (*domain.Cell, error) {
	return o.base.Head(ctx)
}

func (o *OverlayChain) GetByID(ctx context.Context, cellID string) (*domain.Cell, error) {
	for i := range o.overlay {
		if o.overlay[i].CellID == cellID {
			cell := o.overlay[i]
			return &cell, nil
		}
	}
	return o.base.GetByID(ctx, cellID)
}

func (o *OverlayChain) Len(ctx context.Context) (int, error) {
	cells, err := o.Cells(ctx)
	if err != nil {
		return 0, err
	}
	return len(cells), nil
}
