package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"go.uber.org/zap"
)

func auditResult(t *testing.T) *SimulationResult {
	t.Helper()
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	mustAppendFact(t, chain, t0.Add(2*time.Second), hrSalaryFact("97000"))

	oracle := NewOracle(chain, zap.NewNop())
	atValid, asOf := simCoords()
	sim, err := oracle.SimulateRFA(context.Background(), validRequest(), SimulationSpec{}, atValid, asOf)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return sim
}

func TestAuditTextIsDeterministic(t *testing.T) {
	sim := auditResult(t)

	first := RenderAuditText(sim.BaseResult)
	second := RenderAuditText(sim.BaseResult)
	if first != second {
		t.Fatal("two renders of the same result differ")
	}
	for _, want := range []string{
		"DecisionGraph audit report",
		"graph_id: g1",
		"allowed=true",
		`= "97000"`,
		"reason=RECENCY_WIN",
	} {
		if !strings.Contains(first, want) {
			t.Fatalf("report missing %q:\n%s", want, first)
		}
	}
}

func TestAuditTextOnDenial(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	scholar := NewScholar(chain, zap.NewNop())

	params := hrQuery()
	params.RequesterNamespace = "corp.eng"
	result, err := scholar.QueryFacts(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	report := RenderAuditText(result)
	if !strings.Contains(report, "allowed=false") {
		t.Fatalf("denial missing from report:\n%s", report)
	}
	if !strings.Contains(report, "facts (0)") {
		t.Fatalf("denied report must show zero facts:\n%s", report)
	}
}

func TestRenderersDegradeOnEmptyResult(t *testing.T) {
	defer func() {
		if rec := recover(); rec != nil {
			t.Fatalf("renderer panicked: %v", rec)
		}
	}()
	empty := &domain.QueryResult{}
	if RenderAuditText(empty) == "" {
		t.Fatal("renderer returned nothing")
	}
	dot := RenderDOT(empty)
	if !strings.HasPrefix(dot, "digraph decisiongraph {") {
		t.Fatalf("dot output = %q", dot)
	}
}

func TestDOTRendersWinnersAndLosers(t *testing.T) {
	sim := auditResult(t)

	dot := RenderDOT(sim.BaseResult)
	if !strings.Contains(dot, "style=dashed") {
		t.Fatalf("losing candidate must render dashed:\n%s", dot)
	}
	if !strings.Contains(dot, "resolution RECENCY_WIN") {
		t.Fatalf("resolution edge missing:\n%s", dot)
	}
}

func TestSimulationDOTTagsBothWorlds(t *testing.T) {
	sim := auditResult(t)

	dot := RenderSimulationDOT(sim)
	if !strings.Contains(dot, "BASE ") || !strings.Contains(dot, "SHADOW ") {
		t.Fatalf("simulation dot must tag both worlds:\n%s", dot)
	}
	if !strings.Contains(dot, "base_requester") || !strings.Contains(dot, "shadow_requester") {
		t.Fatalf("node ids must be prefixed per world:\n%s", dot)
	}
	if !strings.Contains(dot, "verdict_changed=false") {
		t.Fatalf("delta note missing:\n%s", dot)
	}
}
