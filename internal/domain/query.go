package domain

import (
	"sort"
	"time"
)

type PolicyMode string

const (
	// PolicyModeAll resolves over every fact on the chain.
	PolicyModeAll PolicyMode = "all"
	// PolicyModePromotedOnly restricts resolution to cells covered by the
	// policy head active at the query's as_of_system_time. Unpromoted cells
	// are invisible, not deprioritized.
	PolicyModePromotedOnly PolicyMode = "promoted_only"
)

func ValidPolicyMode(m string) bool {
	switch PolicyMode(m) {
	case PolicyModeAll, PolicyModePromotedOnly:
		return true
	}
	return false
}

// QueryParams is the fully-canonicalized input to one Scholar query. Both
// bitemporal coordinates are mandatory here; defaulting happens upstream so
// the resolver itself never reads the wall clock.
type QueryParams struct {
	RequesterNamespace string
	RequesterID        string
	Namespace          string
	Subject            string
	Predicate          string
	Object             string
	AtValidTime        time.Time
	AsOfSystemTime     time.Time
	PolicyMode         PolicyMode
}

type Authorization struct {
	Allowed            bool                `json:"allowed"`
	Reason             AuthorizationReason `json:"reason"`
	RequesterNamespace string              `json:"requester_namespace"`
	TargetNamespace    string              `json:"target_namespace"`
}

// FactRecord is the audit projection of one fact cell.
type FactRecord struct {
	CellID        string     `json:"cell_id"`
	Namespace     string     `json:"namespace"`
	Subject       string     `json:"subject"`
	Predicate     string     `json:"predicate"`
	Object        string     `json:"object"`
	Confidence    float64    `json:"confidence"`
	SourceQuality string     `json:"source_quality,omitempty"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
	SystemTime    time.Time  `json:"system_time"`
}

func (f *FactRecord) ConflictKey() string {
	return f.Namespace + "|" + f.Subject + "|" + f.Predicate
}

type ResolutionReason string

const (
	ResolutionSingleCandidate ResolutionReason = "SINGLE_CANDIDATE"
	ResolutionRecencyWin      ResolutionReason = "RECENCY_WIN"
)

// ResolutionEvent records how one conflict group was decided.
type ResolutionEvent struct {
	ConflictKey  string           `json:"conflict_key"`
	WinnerCellID string           `json:"winner_cell_id"`
	Reason       ResolutionReason `json:"reason"`
	LoserCellIDs []string         `json:"loser_cell_ids"`
}

// QueryResult is the canonical audit record of one query. Every list is
// sorted so an identical query against identical chain state renders
// byte-identical canonical output.
type QueryResult struct {
	GraphID        string                `json:"graph_id"`
	Namespace      string                `json:"namespace"`
	Subject        string                `json:"subject,omitempty"`
	Predicate      string                `json:"predicate,omitempty"`
	Object         string                `json:"object,omitempty"`
	RequesterID    string                `json:"requester_id"`
	AtValidTime    time.Time             `json:"at_valid_time"`
	AsOfSystemTime time.Time             `json:"as_of_system_time"`
	PolicyMode     PolicyMode            `json:"policy_mode"`
	Authorization  Authorization         `json:"authorization"`
	Facts          []FactRecord          `json:"facts"`
	Candidates     []FactRecord          `json:"candidates"`
	BridgesUsed    []BridgeEffectiveness `json:"bridges_used"`
	Resolutions    []ResolutionEvent     `json:"resolutions"`
}

// Normalize sorts every list into its canonical order.
func (r *QueryResult) Normalize() {
	sort.Slice(r.Facts, func(i, j int) bool { return r.Facts[i].CellID < r.Facts[j].CellID })
	sort.Slice(r.Candidates, func(i, j int) bool { return r.Candidates[i].CellID < r.Candidates[j].CellID })
	sort.Slice(r.BridgesUsed, func(i, j int) bool { return r.BridgesUsed[i].BridgeCellID < r.BridgesUsed[j].BridgeCellID })
	sort.Slice(r.Resolutions, func(i, j int) bool { return r.Resolutions[i].ConflictKey < r.Resolutions[j].ConflictKey })
	for i := range r.Resolutions {
		sort.Strings(r.Resolutions[i].LoserCellIDs)
	}
}

func factRecordMap(f *FactRecord) map[string]any {
	m := map[string]any{
		"cell_id":        f.CellID,
		"namespace":      f.Namespace,
		"subject":        f.Subject,
		"predicate":      f.Predicate,
		"object":         f.Object,
		"confidence":     f.Confidence,
		"source_quality": f.SourceQuality,
		"valid_from":     canonicalTime(f.ValidFrom),
		"system_time":    canonicalTime(f.SystemTime),
	}
	if f.ValidTo != nil {
		m["valid_to"] = canonicalTime(*f.ValidTo)
	}
	return m
}

// ToProofBundle renders the hash/sign-ready canonical form. Everything in the
// result appears here; there is no non-canonical residue.
func (r *QueryResult) ToProofBundle() map[string]any {
	r.Normalize()

	facts := make([]map[string]any, 0, len(r.Facts))
	for i := range r.Facts {
		facts = append(facts, factRecordMap(&r.Facts[i]))
	}
	candidates := make([]map[string]any, 0, len(r.Candidates))
	for i := range r.Candidates {
		candidates = append(candidates, factRecordMap(&r.Candidates[i]))
	}
	bridges := make([]map[string]any, 0, len(r.BridgesUsed))
	for _, b := range r.BridgesUsed {
		bridges = append(bridges, map[string]any{
			"bridge_cell_id": b.BridgeCellID,
			"effective":      b.Effective,
			"reason":         string(b.Reason),
		})
	}
	resolutions := make([]map[string]any, 0, len(r.Resolutions))
	for _, e := range r.Resolutions {
		losers := append([]string(nil), e.LoserCellIDs...)
		sort.Strings(losers)
		resolutions = append(resolutions, map[string]any{
			"conflict_key":   e.ConflictKey,
			"winner_cell_id": e.WinnerCellID,
			"reason":         string(e.Reason),
			"loser_cell_ids": losers,
		})
	}

	return map[string]any{
		"graph_id": r.GraphID,
		"query": map[string]any{
			"namespace":           r.Namespace,
			"subject":             r.Subject,
			"predicate":           r.Predicate,
			"object":              r.Object,
			"requester_id":        r.RequesterID,
			"requester_namespace": r.Authorization.RequesterNamespace,
			"at_valid_time":       canonicalTime(r.AtValidTime),
			"as_of_system_time":   canonicalTime(r.AsOfSystemTime),
			"policy_mode":         string(r.PolicyMode),
		},
		"authorization": map[string]any{
			"allowed":             r.Authorization.Allowed,
			"reason":              string(r.Authorization.Reason),
			"requester_namespace": r.Authorization.RequesterNamespace,
			"target_namespace":    r.Authorization.TargetNamespace,
		},
		"facts":        facts,
		"candidates":   candidates,
		"bridges_used": bridges,
		"resolutions":  resolutions,
	}
}
