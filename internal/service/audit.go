package service

import (
	"fmt"
	"strings"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
)

// Audit renderers are pure and deterministic: no wall-clock reads (the
// query's own timestamps are reused) and no failure path. Any internal
// formatting panic degrades to a minimal report instead of propagating.

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// RenderAuditText renders a human-readable account of one query result.
func RenderAuditText(r *domain.QueryResult) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = fmt.Sprintf("audit report unavailable (render fault); graph_id=%s\n", r.GraphID)
		}
	}()

	var b strings.Builder
	fmt.Fprintf(&b, "DecisionGraph audit report\n")
	fmt.Fprintf(&b, "graph_id: %s\n", r.GraphID)
	fmt.Fprintf(&b, "query: namespace=%s subject=%q predicate=%q requester=%s\n",
		r.Namespace, r.Subject, r.Predicate, r.RequesterID)
	fmt.Fprintf(&b, "coordinates: valid=%s system=%s policy_mode=%s\n",
		r.AtValidTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		r.AsOfSystemTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		r.PolicyMode)
	fmt.Fprintf(&b, "authorization: allowed=%t reason=%s (%s -> %s)\n",
		r.Authorization.Allowed, r.Authorization.Reason,
		r.Authorization.RequesterNamespace, r.Authorization.TargetNamespace)

	if len(r.BridgesUsed) > 0 {
		b.WriteString("bridges consulted:\n")
		for _, v := range r.BridgesUsed {
			fmt.Fprintf(&b, "  - %s effective=%t reason=%s\n", shortID(v.BridgeCellID), v.Effective, v.Reason)
		}
	}

	fmt.Fprintf(&b, "facts (%d):\n", len(r.Facts))
	for _, f := range r.Facts {
		fmt.Fprintf(&b, "  - [%s] %s %s = %q (confidence %.2f)\n",
			shortID(f.CellID), f.Subject, f.Predicate, f.Object, f.Confidence)
	}

	if len(r.Resolutions) > 0 {
		b.WriteString("resolutions:\n")
		for _, e := range r.Resolutions {
			fmt.Fprintf(&b, "  - %s winner=%s reason=%s losers=%d\n",
				e.ConflictKey, shortID(e.WinnerCellID), e.Reason, len(e.LoserCellIDs))
		}
	}

	fmt.Fprintf(&b, "candidates considered: %d\n", len(r.Candidates))
	return b.String()
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// RenderDOT renders the query result as a directed graph: fact nodes, bridge
// nodes, non-winning candidate nodes, authorization and resolution edges.
func RenderDOT(r *domain.QueryResult) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = "digraph decisiongraph {}\n"
		}
	}()
	var b strings.Builder
	b.WriteString("digraph decisiongraph {\n")
	b.WriteString("  rankdir=LR;\n")
	writeResultDOT(&b, r, "")
	b.WriteString("}\n")
	return b.String()
}

// writeResultDOT emits the nodes and edges for one result. The tag, when
// non-empty, prefixes node ids and labels so real and hypothetical history
// can share one graph (BASE vs SHADOW).
func writeResultDOT(b *strings.Builder, r *domain.QueryResult, tag string) {
	prefix := ""
	labelTag := ""
	if tag != "" {
		prefix = strings.ToLower(tag) + "_"
		labelTag = tag + " "
	}

	reqNode := prefix + "requester"
	fmt.Fprintf(b, "  %q [label=\"%srequester\\n%s\" shape=box];\n",
		reqNode, labelTag, dotEscape(r.RequesterID))

	winners := map[string]struct{}{}
	for _, f := range r.Facts {
		winners[f.CellID] = struct{}{}
	}

	for _, f := range r.Candidates {
		node := prefix + "fact_" + shortID(f.CellID)
		_, won := winners[f.CellID]
		shape := "ellipse"
		style := ""
		if !won {
			style = " style=dashed"
		}
		fmt.Fprintf(b, "  %q [label=\"%s%s %s\\n%s\" shape=%s%s];\n",
			node, labelTag, dotEscape(f.Subject), dotEscape(f.Predicate),
			dotEscape(domain.Truncate(f.Object, 40)), shape, style)
	}

	for _, v := range r.BridgesUsed {
		node := prefix + "bridge_" + shortID(v.BridgeCellID)
		fmt.Fprintf(b, "  %q [label=\"%sbridge %s\\n%s\" shape=diamond];\n",
			node, labelTag, shortID(v.BridgeCellID), v.Reason)
		fmt.Fprintf(b, "  %q -> %q [label=\"authorization\"];\n", reqNode, node)
	}
	if r.Authorization.Allowed && len(r.BridgesUsed) == 0 {
		for _, f := range r.Facts {
			fmt.Fprintf(b, "  %q -> %q [label=%q];\n",
				reqNode, prefix+"fact_"+shortID(f.CellID), string(r.Authorization.Reason))
		}
	}

	for _, e := range r.Resolutions {
		winner := prefix + "fact_" + shortID(e.WinnerCellID)
		for _, loser := range e.LoserCellIDs {
			fmt.Fprintf(b, "  %q -> %q [label=\"resolution %s\" style=dotted];\n",
				winner, prefix+"fact_"+shortID(loser), e.Reason)
		}
	}
}
