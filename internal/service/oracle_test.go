package service

import (
	"context"
	"testing"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func hrTitleFact(object string) domain.FactPayload {
	return domain.FactPayload{
		Namespace:  "corp.hr",
		Subject:    "employee:jane",
		Predicate:  "has_title",
		Object:     object,
		Confidence: 0.7,
		ValidFrom:  t0,
	}
}

func simCoords() (time.Time, time.Time) {
	return t0.Add(time.Hour), t0.Add(time.Hour)
}

func TestSimulationReportsModifiedFact(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	headBefore, _ := chain.Head(context.Background())
	lenBefore, _ := chain.Len(context.Background())

	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()
	overlay := hrSalaryFact("120000")
	sim, err := oracle.SimulateRFA(context.Background(), validRequest(), SimulationSpec{
		OverlayFacts: []domain.FactPayload{overlay},
	}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(sim.ShadowResult.Facts) != 1 || sim.ShadowResult.Facts[0].Object != "120000" {
		t.Fatalf("shadow facts = %+v", sim.ShadowResult.Facts)
	}
	if len(sim.BaseResult.Facts) != 1 || sim.BaseResult.Facts[0].Object != "95000" {
		t.Fatalf("base facts = %+v", sim.BaseResult.Facts)
	}
	if !sim.DeltaReport.VerdictChanged {
		t.Fatal("verdict must change when the resolved object changes")
	}
	key := overlay.ConflictKey()
	if len(sim.DeltaReport.FactsDiff.Modified) != 1 || sim.DeltaReport.FactsDiff.Modified[0] != key {
		t.Fatalf("modified = %v, want [%s]", sim.DeltaReport.FactsDiff.Modified, key)
	}
	if len(sim.DeltaReport.FactsDiff.Added) != 0 || len(sim.DeltaReport.FactsDiff.Removed) != 0 {
		t.Fatalf("added/removed must be empty: %+v", sim.DeltaReport.FactsDiff)
	}

	headAfter, _ := chain.Head(context.Background())
	lenAfter, _ := chain.Len(context.Background())
	if headAfter.CellID != headBefore.CellID || lenAfter != lenBefore {
		t.Fatal("real chain changed during simulation")
	}
	if !sim.Attestation.Clean || !sim.Attestation.OverlayReleased {
		t.Fatalf("attestation = %+v", sim.Attestation)
	}
	if sim.Attestation.HeadBefore != headBefore.CellID || sim.Attestation.HeadAfter != headBefore.CellID {
		t.Fatalf("attestation heads = %+v", sim.Attestation)
	}
}

func TestSimulationReportsAddedFact(t *testing.T) {
	chain := newTestChain(t)
	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()
	overlay := hrSalaryFact("95000")

	sim, err := oracle.SimulateRFA(context.Background(), validRequest(), SimulationSpec{
		OverlayFacts: []domain.FactPayload{overlay},
	}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if sim.DeltaReport.StatusBefore != "no_facts" {
		t.Fatalf("status_before = %s", sim.DeltaReport.StatusBefore)
	}
	if len(sim.DeltaReport.FactsDiff.Added) != 1 || sim.DeltaReport.FactsDiff.Added[0] != overlay.ConflictKey() {
		t.Fatalf("added = %v", sim.DeltaReport.FactsDiff.Added)
	}
	if sim.DeltaReport.ScoreDelta != overlay.Confidence {
		t.Fatalf("score_delta = %v, want %v", sim.DeltaReport.ScoreDelta, overlay.Confidence)
	}
}

func TestSimulationOverlayPolicyPromotesRules(t *testing.T) {
	chain := newTestChain(t)
	factCell := mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))

	hash, err := domain.PolicyHash([]string{factCell.CellID})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	req := validRequest()
	req["policy_mode"] = "promoted_only"

	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()
	sim, err := oracle.SimulateRFA(context.Background(), req, SimulationSpec{
		OverlayPolicy: &domain.PolicyHeadPayload{
			Namespace:       "corp.hr",
			PolicyHash:      hash,
			PromotedRuleIDs: []string{factCell.CellID},
		},
	}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// no real policy head exists, so the base sees nothing under promoted_only
	if len(sim.BaseResult.Facts) != 0 {
		t.Fatalf("base facts = %+v", sim.BaseResult.Facts)
	}
	if len(sim.ShadowResult.Facts) != 1 || sim.ShadowResult.Facts[0].CellID != factCell.CellID {
		t.Fatalf("shadow facts = %+v", sim.ShadowResult.Facts)
	}
	if len(sim.DeltaReport.RulesDiff.Added) != 1 || sim.DeltaReport.RulesDiff.Added[0] != factCell.CellID {
		t.Fatalf("rules added = %v", sim.DeltaReport.RulesDiff.Added)
	}
}

func TestSimulationAnchorsAreMinimal(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))

	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()
	flipping := hrSalaryFact("120000")
	inert := hrTitleFact("director") // query filters on has_salary, never surfaces

	sim, err := oracle.SimulateRFA(context.Background(), validRequest(), SimulationSpec{
		OverlayFacts: []domain.FactPayload{flipping, inert},
	}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sim.AnchorsIncomplete {
		t.Fatal("search must complete within the default budget")
	}
	want := "fact:" + flipping.ConflictKey()
	if len(sim.Anchors) != 1 || len(sim.Anchors[0]) != 1 || sim.Anchors[0][0] != want {
		t.Fatalf("anchors = %v, want [[%s]]", sim.Anchors, want)
	}
}

func TestSimulationAnchorBudgetExhaustion(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))

	oracle := NewOracle(chain, zap.NewNop())
	oracle.SetBudget(SimulationBudget{MaxAnchorAttempts: 1, MaxRuntime: time.Minute})
	atValid, asOf := simCoords()

	sim, err := oracle.SimulateRFA(context.Background(), validRequest(), SimulationSpec{
		OverlayFacts: []domain.FactPayload{hrSalaryFact("120000"), hrTitleFact("director")},
	}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !sim.AnchorsIncomplete {
		t.Fatal("a one-attempt budget cannot cover two components")
	}
}

func TestSimulationRejectsInvalidRequest(t *testing.T) {
	chain := newTestChain(t)
	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()

	req := validRequest()
	delete(req, "requester_id")
	_, err := oracle.SimulateRFA(context.Background(), req, SimulationSpec{}, atValid, asOf)
	if domain.CodeOf(err) != domain.CodeSchemaInvalid {
		t.Fatalf("expected schema_invalid, got %v", err)
	}
}

func TestBacktestDeterministicOrdering(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	oracle := NewOracle(chain, zap.NewNop())

	reqA := validRequest()
	reqB := validRequest()
	reqB["subject"] = "employee:omar"

	forward, err := oracle.RunBacktest(context.Background(), []map[string]any{reqA, reqB}, SimulationSpec{}, BacktestBudget{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	reversed, err := oracle.RunBacktest(context.Background(), []map[string]any{reqB, reqA}, SimulationSpec{}, BacktestBudget{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(forward.Cases) != 2 || len(reversed.Cases) != 2 {
		t.Fatalf("case counts = %d, %d", len(forward.Cases), len(reversed.Cases))
	}
	for i := range forward.Cases {
		if forward.Cases[i].InputHash != reversed.Cases[i].InputHash {
			t.Fatalf("case %d ordering differs: %s vs %s", i, forward.Cases[i].InputHash, reversed.Cases[i].InputHash)
		}
	}
	if forward.Cases[0].InputHash >= forward.Cases[1].InputHash {
		t.Fatal("cases must be sorted by input hash")
	}
}

func TestBacktestMaxCasesTruncation(t *testing.T) {
	chain := newTestChain(t)
	oracle := NewOracle(chain, zap.NewNop())
	oracle.SetBacktestLimiter(rate.NewLimiter(rate.Inf, 1))

	reqA := validRequest()
	reqB := validRequest()
	reqB["subject"] = "employee:omar"

	report, err := oracle.RunBacktest(context.Background(), []map[string]any{reqA, reqB}, SimulationSpec{}, BacktestBudget{MaxCases: 1})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(report.Cases) != 1 {
		t.Fatalf("cases = %d", len(report.Cases))
	}
	if !report.Truncated || report.Reason != "max_cases" {
		t.Fatalf("truncated = %t, reason = %q", report.Truncated, report.Reason)
	}
}

func TestBacktestRecordsPerCaseErrors(t *testing.T) {
	chain := newTestChain(t)
	oracle := NewOracle(chain, zap.NewNop())

	bad := validRequest()
	delete(bad, "requester_namespace")

	report, err := oracle.RunBacktest(context.Background(), []map[string]any{bad}, SimulationSpec{}, BacktestBudget{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(report.Cases) != 1 || report.Cases[0].Error == "" {
		t.Fatalf("report = %+v", report)
	}
	if report.Cases[0].Result != nil {
		t.Fatal("a failed case must carry no result")
	}
}
