package service

import (
	"context"
	"sort"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"go.uber.org/zap"
)

// Scholar is the bitemporal query engine: authorization check, candidate
// selection, deterministic conflict resolution, canonical result assembly.
// It is read-only; it can run over the real chain or an overlay composite.
type Scholar struct {
	chain  domain.ChainStore
	logger *zap.Logger
}

func NewScholar(chain domain.ChainStore, logger *zap.Logger) *Scholar {
	return &Scholar{chain: chain, logger: logger}
}

// QueryFacts answers "what did we believe as of system time Y about what was
// true at valid time X". Denial is not an error: the result is still
// produced, audited, with empty facts and allowed=false.
func (s *Scholar) QueryFacts(ctx context.Context, p domain.QueryParams) (*domain.QueryResult, error) {
	if p.PolicyMode == "" {
		p.PolicyMode = domain.PolicyModeAll
	}

	result := &domain.QueryResult{
		GraphID:        s.chain.GraphID(),
		Namespace:      p.Namespace,
		Subject:        p.Subject,
		Predicate:      p.Predicate,
		Object:         p.Object,
		RequesterID:    p.RequesterID,
		AtValidTime:    p.AtValidTime.UTC(),
		AsOfSystemTime: p.AsOfSystemTime.UTC(),
		PolicyMode:     p.PolicyMode,
		Facts:          []domain.FactRecord{},
		Candidates:     []domain.FactRecord{},
		BridgesUsed:    []domain.BridgeEffectiveness{},
		Resolutions:    []domain.ResolutionEvent{},
	}

	cells, err := s.chain.Cells(ctx)
	if err != nil {
		return nil, domain.AsError(err)
	}

	auth := s.authorize(cells, p, result)
	result.Authorization = auth
	if !auth.Allowed {
		s.logger.Info("query denied",
			zap.String("requester_namespace", p.RequesterNamespace),
			zap.String("namespace", p.Namespace),
			zap.String("requester_id", p.RequesterID),
		)
		result.Normalize()
		return result, nil
	}

	candidates := s.selectCandidates(cells, p)
	result.Candidates = candidates
	winners, events := resolveConflicts(candidates)
	result.Facts = winners
	result.Resolutions = events

	result.Normalize()
	return result, nil
}

// authorize applies the hierarchy rule first and falls back to bridges.
// Every consulted bridge appears in the result with its verdict, sorted by
// cell id for reproducible audit.
func (s *Scholar) authorize(cells []domain.Cell, p domain.QueryParams, result *domain.QueryResult) domain.Authorization {
	auth := domain.Authorization{
		RequesterNamespace: p.RequesterNamespace,
		TargetNamespace:    p.Namespace,
	}

	if ok, reason := domain.AuthorizeDirect(p.RequesterNamespace, p.Namespace); ok {
		auth.Allowed = true
		auth.Reason = reason
		return auth
	}

	verdicts := []domain.BridgeEffectiveness{}
	effective := false
	for i := range cells {
		cell := &cells[i]
		if cell.CellType != domain.CellTypeBridge || cell.Bridge == nil {
			continue
		}
		if cell.SystemTime.After(p.AsOfSystemTime) {
			continue
		}
		if !cell.Bridge.ConnectsNamespaces(p.RequesterNamespace, p.Namespace) {
			continue
		}
		verdict := domain.EvaluateBridge(cell, p.RequesterNamespace, p.Namespace, p.AtValidTime)
		verdicts = append(verdicts, verdict)
		if verdict.Effective {
			effective = true
		}
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].BridgeCellID < verdicts[j].BridgeCellID })
	result.BridgesUsed = verdicts

	if effective {
		auth.Allowed = true
		auth.Reason = domain.ReasonBridge
		return auth
	}
	auth.Reason = domain.ReasonDenied
	return auth
}

// selectCandidates applies the namespace/subject/predicate filters and the
// bitemporal window. In promoted_only mode only cells covered by the policy
// head active at as_of_system_time survive.
func (s *Scholar) selectCandidates(cells []domain.Cell, p domain.QueryParams) []domain.FactRecord {
	var promoted map[string]struct{}
	if p.PolicyMode == domain.PolicyModePromotedOnly {
		promoted = activePolicySet(cells, p.Namespace, p)
	}

	out := []domain.FactRecord{}
	for i := range cells {
		cell := &cells[i]
		if cell.CellType != domain.CellTypeFact || cell.Fact == nil {
			continue
		}
		f := cell.Fact
		if f.Namespace != p.Namespace {
			continue
		}
		if p.Subject != "" && f.Subject != p.Subject {
			continue
		}
		if p.Predicate != "" && f.Predicate != p.Predicate {
			continue
		}
		if p.Object != "" && f.Object != p.Object {
			continue
		}
		if cell.SystemTime.After(p.AsOfSystemTime) {
			continue
		}
		if p.AtValidTime.Before(f.ValidFrom) {
			continue
		}
		if f.ValidTo != nil && !p.AtValidTime.Before(*f.ValidTo) {
			continue
		}
		if promoted != nil {
			if _, ok := promoted[cell.CellID]; !ok {
				continue
			}
		}
		out = append(out, domain.FactRecord{
			CellID:        cell.CellID,
			Namespace:     f.Namespace,
			Subject:       f.Subject,
			Predicate:     f.Predicate,
			Object:        f.Object,
			Confidence:    f.Confidence,
			SourceQuality: f.SourceQuality,
			ValidFrom:     f.ValidFrom,
			ValidTo:       f.ValidTo,
			SystemTime:    cell.SystemTime,
		})
	}
	return out
}

// activePolicySet returns the promoted rule ids of the newest policy head for
// the namespace at the query's as_of_system_time, or an empty set when no
// head is active (nothing is visible in promoted_only mode then).
func activePolicySet(cells []domain.Cell, namespace string, p domain.QueryParams) map[string]struct{} {
	set := map[string]struct{}{}
	for i := range cells {
		cell := &cells[i]
		if cell.CellType != domain.CellTypePolicyHead || cell.PolicyHead == nil {
			continue
		}
		if cell.PolicyHead.Namespace != namespace {
			continue
		}
		if cell.SystemTime.After(p.AsOfSystemTime) {
			continue
		}
		// later cells supersede earlier heads; the loop runs in append order
		set = map[string]struct{}{}
		for _, id := range cell.PolicyHead.PromotedRuleIDs {
			set[id] = struct{}{}
		}
	}
	return set
}

// resolveConflicts groups candidates by (namespace, subject, predicate) and
// picks exactly one winner per group: highest system_time, ties broken by
// lexicographically smallest cell_id. The outcome is invariant under any
// permutation of the same candidate set.
func resolveConflicts(candidates []domain.FactRecord) ([]domain.FactRecord, []domain.ResolutionEvent) {
	groups := map[string][]domain.FactRecord{}
	for _, c := range candidates {
		key := c.ConflictKey()
		groups[key] = append(groups[key], c)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	winners := []domain.FactRecord{}
	events := []domain.ResolutionEvent{}
	for _, key := range keys {
		group := groups[key]
		winner := group[0]
		for _, c := range group[1:] {
			if c.SystemTime.After(winner.SystemTime) {
				winner = c
				continue
			}
			if c.SystemTime.Equal(winner.SystemTime) && c.CellID < winner.CellID {
				winner = c
			}
		}

		event := domain.ResolutionEvent{
			ConflictKey:  key,
			WinnerCellID: winner.CellID,
			Reason:       domain.ResolutionSingleCandidate,
			LoserCellIDs: []string{},
		}
		if len(group) > 1 {
			event.Reason = domain.ResolutionRecencyWin
			for _, c := range group {
				if c.CellID != winner.CellID {
					event.LoserCellIDs = append(event.LoserCellIDs, c.CellID)
				}
			}
			sort.Strings(event.LoserCellIDs)
		}

		winners = append(winners, winner)
		events = append(events, event)
	}
	return winners, events
}
