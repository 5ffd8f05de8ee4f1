package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// shadowPrevHash marks a cell that exists only inside a simulation overlay.
// No real cell can carry it: the chain only accepts the zero sentinel for
// genesis and real head hashes after that.
const shadowPrevHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// SimulationSpec describes the hypothetical overlay: facts that replace or
// extend the real chain's facts, and optionally a policy head that replaces
// the namespace's real policy chain.
type SimulationSpec struct {
	OverlayFacts  []domain.FactPayload
	OverlayPolicy *domain.PolicyHeadPayload
}

// OverlayContext holds the shadow cells scoped to one simulation call. It is
// released on every exit path and has no append surface; the overlay chain it
// feeds is read-only.
type OverlayContext struct {
	cells    []domain.Cell
	released bool
}

func (o *OverlayContext) Release() {
	o.cells = nil
	o.released = true
}

func (o *OverlayContext) Released() bool { return o.released }

// ContaminationAttestation proves the real chain head was identical before
// and after the simulation.
type ContaminationAttestation struct {
	HeadBefore      string `json:"head_before"`
	HeadAfter       string `json:"head_after"`
	Clean           bool   `json:"clean"`
	OverlayReleased bool   `json:"overlay_released"`
}

type FactsDiff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

type RulesDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

type DeltaReport struct {
	VerdictChanged bool      `json:"verdict_changed"`
	StatusBefore   string    `json:"status_before"`
	StatusAfter    string    `json:"status_after"`
	ScoreDelta     float64   `json:"score_delta"`
	FactsDiff      FactsDiff `json:"facts_diff"`
	RulesDiff      RulesDiff `json:"rules_diff"`
}

type SimulationResult struct {
	BaseResult        *domain.QueryResult      `json:"base_result"`
	ShadowResult      *domain.QueryResult      `json:"shadow_result"`
	DeltaReport       DeltaReport              `json:"delta_report"`
	Anchors           [][]string               `json:"anchors"`
	AnchorsIncomplete bool                     `json:"anchors_incomplete"`
	Attestation       ContaminationAttestation `json:"no_contamination_attestation"`
}

// SimulationBudget bounds the anchor search. Exhaustion flags the result
// instead of running unbounded.
type SimulationBudget struct {
	MaxAnchorAttempts int
	MaxRuntime        time.Duration
}

var DefaultSimulationBudget = SimulationBudget{
	MaxAnchorAttempts: 64,
	MaxRuntime:        2 * time.Second,
}

type BacktestBudget struct {
	MaxCases   int
	MaxRuntime time.Duration
}

type BacktestCase struct {
	InputHash string            `json:"input_hash"`
	Result    *SimulationResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type BacktestReport struct {
	Cases     []BacktestCase `json:"cases"`
	Truncated bool           `json:"truncated"`
	Reason    string         `json:"reason,omitempty"`
}

// Oracle runs non-mutating counterfactual simulations: the same query
// evaluated against the real chain and against a shadow overlay, at frozen
// identical bitemporal coordinates, with a delta and anchor analysis on top.
// It never acquires the append path.
type Oracle struct {
	chain   domain.ChainStore
	budget  SimulationBudget
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewOracle(chain domain.ChainStore, logger *zap.Logger) *Oracle {
	return &Oracle{chain: chain, budget: DefaultSimulationBudget, logger: logger}
}

func (o *Oracle) SetBudget(b SimulationBudget) { o.budget = b }

// SetBacktestLimiter paces backtest case execution. Nil disables pacing.
func (o *Oracle) SetBacktestLimiter(l *rate.Limiter) { o.limiter = l }

// SimulateRFA evaluates rfa twice, once against the real chain and once
// against chain+overlay, and reports the difference. The real chain is
// untouched on every path; the attestation carries the head comparison.
func (o *Oracle) SimulateRFA(ctx context.Context, rfa map[string]any, spec SimulationSpec, atValidTime, asOfSystemTime time.Time) (*SimulationResult, error) {
	req := canonicalizeRequest(rfa)
	if err := validateSchema(req); err != nil {
		return nil, err
	}
	params, err := buildQueryParams(req)
	if err != nil {
		return nil, err
	}
	// both evaluations share one frozen coordinate pair
	params.AtValidTime = atValidTime.UTC()
	params.AsOfSystemTime = asOfSystemTime.UTC()

	headBefore, err := headID(ctx, o.chain)
	if err != nil {
		return nil, domain.AsError(err)
	}

	overlay, err := o.buildOverlay(spec, params)
	if err != nil {
		return nil, err
	}
	defer overlay.Release()

	baseScholar := NewScholar(o.chain, o.logger)
	base, err := baseScholar.QueryFacts(ctx, params)
	if err != nil {
		return nil, domain.AsError(err)
	}

	shadow, err := o.shadowQuery(ctx, overlay.cells, params)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{
		BaseResult:   base,
		ShadowResult: shadow,
		DeltaReport:  computeDelta(base, shadow),
	}

	result.Anchors, result.AnchorsIncomplete = o.searchAnchors(ctx, spec, params, base)

	headAfter, err := headID(ctx, o.chain)
	if err != nil {
		return nil, domain.AsError(err)
	}
	overlay.Release()
	result.Attestation = ContaminationAttestation{
		HeadBefore:      headBefore,
		HeadAfter:       headAfter,
		Clean:           headBefore == headAfter,
		OverlayReleased: overlay.Released(),
	}
	if !result.Attestation.Clean {
		return nil, domain.NewIntegrityFail("chain head changed during simulation", map[string]any{
			"head_before": headBefore,
			"head_after":  headAfter,
		})
	}
	return result, nil
}

// RunBacktest executes SimulateRFA across a historical request set, bounded
// by the batch budget. Results come back in a fixed deterministic order: by
// each input's canonical hash, not by arrival order.
func (o *Oracle) RunBacktest(ctx context.Context, rfas []map[string]any, spec SimulationSpec, budget BacktestBudget) (*BacktestReport, error) {
	type indexed struct {
		hash string
		rfa  map[string]any
	}
	cases := make([]indexed, 0, len(rfas))
	for _, rfa := range rfas {
		hash, err := domain.HashHex(canonicalizeRequest(rfa))
		if err != nil {
			return nil, domain.AsError(err)
		}
		cases = append(cases, indexed{hash: hash, rfa: rfa})
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].hash < cases[j].hash })

	report := &BacktestReport{Cases: []BacktestCase{}}
	start := time.Now()
	reference := start.UTC()
	for _, c := range cases {
		if budget.MaxCases > 0 && len(report.Cases) >= budget.MaxCases {
			report.Truncated = true
			report.Reason = "max_cases"
			break
		}
		if budget.MaxRuntime > 0 && time.Since(start) > budget.MaxRuntime {
			report.Truncated = true
			report.Reason = "max_runtime"
			break
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				report.Truncated = true
				report.Reason = "canceled"
				break
			}
		}

		atValid, asOf, err := caseCoordinates(c.rfa, reference)
		if err != nil {
			report.Cases = append(report.Cases, BacktestCase{InputHash: c.hash, Error: err.Error()})
			continue
		}
		result, err := o.SimulateRFA(ctx, c.rfa, spec, atValid, asOf)
		entry := BacktestCase{InputHash: c.hash}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Result = result
		}
		report.Cases = append(report.Cases, entry)
	}

	o.logger.Info("backtest complete",
		zap.Int("cases", len(report.Cases)),
		zap.Bool("truncated", report.Truncated),
	)
	return report, nil
}

// caseCoordinates pulls the bitemporal coordinates out of one backtest input,
// defaulting to the batch's single reference instant.
func caseCoordinates(rfa map[string]any, reference time.Time) (time.Time, time.Time, error) {
	req := canonicalizeRequest(rfa)
	atValid, err := timeField(req, "at_valid_time", reference)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	asOf, err := timeField(req, "as_of_system_time", reference)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return atValid, asOf, nil
}

// buildOverlay turns the spec into shadow cells: structural copies with
// overridden fields and freshly recomputed cell ids, stamped with the shadow
// prev-hash sentinel so they can never link into the real chain.
func (o *Oracle) buildOverlay(spec SimulationSpec, params domain.QueryParams) (*OverlayContext, error) {
	overlay := &OverlayContext{}
	for _, fact := range spec.OverlayFacts {
		cell, err := domain.NewFactCell(o.chain.GraphID(), params.AsOfSystemTime, shadowPrevHash, fact, domain.Proof{})
		if err != nil {
			return nil, domain.AsError(err)
		}
		overlay.cells = append(overlay.cells, cell)
	}
	if spec.OverlayPolicy != nil {
		cell, err := domain.NewPolicyHeadCell(o.chain.GraphID(), params.AsOfSystemTime, shadowPrevHash, *spec.OverlayPolicy, domain.Proof{})
		if err != nil {
			return nil, domain.AsError(err)
		}
		overlay.cells = append(overlay.cells, cell)
	}
	return overlay, nil
}

func (o *Oracle) shadowQuery(ctx context.Context, overlayCells []domain.Cell, params domain.QueryParams) (*domain.QueryResult, error) {
	shadowChain := store.NewOverlayChain(o.chain, overlayCells)
	scholar := NewScholar(shadowChain, o.logger)
	result, err := scholar.QueryFacts(ctx, params)
	if err != nil {
		return nil, domain.AsError(err)
	}
	return result, nil
}

// statusFingerprint summarizes a result's resolved facts so two results can
// be compared as verdicts.
func statusFingerprint(r *domain.QueryResult) string {
	if len(r.Facts) == 0 {
		if !r.Authorization.Allowed {
			return "denied"
		}
		return "no_facts"
	}
	pairs := make([]string, 0, len(r.Facts))
	for _, f := range r.Facts {
		pairs = append(pairs, f.ConflictKey()+"="+f.Object)
	}
	sort.Strings(pairs)
	hash, err := domain.HashHex(pairs)
	if err != nil {
		return "unhashable"
	}
	return hash[:16]
}

func totalConfidence(r *domain.QueryResult) float64 {
	var sum float64
	for _, f := range r.Facts {
		sum += f.Confidence
	}
	return sum
}

// computeDelta diffs the two results over sorted key sets.
func computeDelta(base, shadow *domain.QueryResult) DeltaReport {
	report := DeltaReport{
		StatusBefore: statusFingerprint(base),
		StatusAfter:  statusFingerprint(shadow),
		ScoreDelta:   totalConfidence(shadow) - totalConfidence(base),
		FactsDiff:    FactsDiff{Added: []string{}, Removed: []string{}, Modified: []string{}},
		RulesDiff:    RulesDiff{Added: []string{}, Removed: []string{}},
	}
	report.VerdictChanged = report.StatusBefore != report.StatusAfter

	baseFacts := map[string]domain.FactRecord{}
	for _, f := range base.Facts {
		baseFacts[f.ConflictKey()] = f
	}
	shadowFacts := map[string]domain.FactRecord{}
	for _, f := range shadow.Facts {
		shadowFacts[f.ConflictKey()] = f
	}

	keys := map[string]struct{}{}
	for k := range baseFacts {
		keys[k] = struct{}{}
	}
	for k := range shadowFacts {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		b, inBase := baseFacts[k]
		s, inShadow := shadowFacts[k]
		switch {
		case !inBase:
			report.FactsDiff.Added = append(report.FactsDiff.Added, k)
		case !inShadow:
			report.FactsDiff.Removed = append(report.FactsDiff.Removed, k)
		case b.Object != s.Object || b.CellID != s.CellID:
			report.FactsDiff.Modified = append(report.FactsDiff.Modified, k)
		}
	}

	report.RulesDiff = computeRulesDiff(base, shadow)
	return report
}

func promotedSet(r *domain.QueryResult) map[string]struct{} {
	// candidates visible under promoted_only are exactly the promoted cells
	set := map[string]struct{}{}
	if r.PolicyMode != domain.PolicyModePromotedOnly {
		return set
	}
	for _, c := range r.Candidates {
		set[c.CellID] = struct{}{}
	}
	return set
}

func computeRulesDiff(base, shadow *domain.QueryResult) RulesDiff {
	diff := RulesDiff{Added: []string{}, Removed: []string{}}
	baseSet := promotedSet(base)
	shadowSet := promotedSet(shadow)
	for id := range shadowSet {
		if _, ok := baseSet[id]; !ok {
			diff.Added = append(diff.Added, id)
		}
	}
	for id := range baseSet {
		if _, ok := shadowSet[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}

// overlayComponents labels each independent piece of the spec. Anchors are
// reported in these labels.
func overlayComponents(spec SimulationSpec) []string {
	labels := make([]string, 0, len(spec.OverlayFacts)+1)
	for _, f := range spec.OverlayFacts {
		labels = append(labels, "fact:"+f.ConflictKey())
	}
	if spec.OverlayPolicy != nil {
		labels = append(labels, "policy:"+spec.OverlayPolicy.Namespace)
	}
	sort.Strings(labels)
	return labels
}

func specSubset(spec SimulationSpec, include map[string]struct{}) SimulationSpec {
	out := SimulationSpec{}
	for _, f := range spec.OverlayFacts {
		if _, ok := include["fact:"+f.ConflictKey()]; ok {
			out.OverlayFacts = append(out.OverlayFacts, f)
		}
	}
	if spec.OverlayPolicy != nil {
		if _, ok := include["policy:"+spec.OverlayPolicy.Namespace]; ok {
			out.OverlayPolicy = spec.OverlayPolicy
		}
	}
	return out
}

// searchAnchors looks for minimal overlay subsets whose presence alone flips
// the verdict, enumerating subsets in deterministic order of increasing size.
// The search is bounded by the simulation budget; exhaustion reports
// incomplete rather than running unbounded.
func (o *Oracle) searchAnchors(ctx context.Context, spec SimulationSpec, params domain.QueryParams, base *domain.QueryResult) ([][]string, bool) {
	components := overlayComponents(spec)
	if len(components) == 0 {
		return [][]string{}, false
	}

	baseStatus := statusFingerprint(base)
	anchors := [][]string{}
	attempts := 0
	start := time.Now()

	exhausted := func() bool {
		if o.budget.MaxAnchorAttempts > 0 && attempts >= o.budget.MaxAnchorAttempts {
			return true
		}
		if o.budget.MaxRuntime > 0 && time.Since(start) > o.budget.MaxRuntime {
			return true
		}
		return false
	}

	for size := 1; size <= len(components); size++ {
		if len(anchors) > 0 {
			// minimal size already found
			break
		}
		for _, subset := range combinations(components, size) {
			if exhausted() {
				o.logger.Warn("anchor search budget exhausted",
					zap.Int("attempts", attempts),
					zap.Duration("elapsed", time.Since(start)),
				)
				return anchors, true
			}
			attempts++

			include := map[string]struct{}{}
			for _, label := range subset {
				include[label] = struct{}{}
			}
			sub := specSubset(spec, include)
			overlay, err := o.buildOverlay(sub, params)
			if err != nil {
				continue
			}
			shadow, err := o.shadowQuery(ctx, overlay.cells, params)
			overlay.Release()
			if err != nil {
				continue
			}
			if statusFingerprint(shadow) != baseStatus {
				anchors = append(anchors, subset)
			}
		}
	}
	return anchors, false
}

// combinations enumerates k-element subsets of items in lexicographic order.
func combinations(items []string, k int) [][]string {
	var out [][]string
	var walk func(start int, current []string)
	walk = func(start int, current []string) {
		if len(current) == k {
			out = append(out, append([]string(nil), current...))
			return
		}
		for i := start; i < len(items); i++ {
			walk(i+1, append(current, items[i]))
		}
	}
	walk(0, nil)
	return out
}

func headID(ctx context.Context, chain domain.ChainStore) (string, error) {
	head, err := chain.Head(ctx)
	if err != nil {
		return "", err
	}
	if head == nil {
		return "", nil
	}
	return head.CellID, nil
}

// RenderSimulationDOT renders base and shadow results into one graph, every
// node tagged BASE or SHADOW so hypothetical history is visually distinct.
func RenderSimulationDOT(sim *SimulationResult) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = "digraph simulation {}\n"
		}
	}()
	var b strings.Builder
	b.WriteString("digraph simulation {\n")
	b.WriteString("  rankdir=LR;\n")
	writeResultDOT(&b, sim.BaseResult, "BASE")
	writeResultDOT(&b, sim.ShadowResult, "SHADOW")
	fmt.Fprintf(&b, "  %q [label=\"verdict_changed=%t\" shape=note];\n", "delta", sim.DeltaReport.VerdictChanged)
	b.WriteString("}\n")
	return b.String()
}
