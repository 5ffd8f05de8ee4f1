package domain

import (
	"regexp"
	"strings"
	"time"
)

// Namespaces are dot-hierarchical, lowercase, and access flows downward: an
// ancestor may read its descendants. Crossing between unrelated namespaces
// requires an effective bridge.

var namespacePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

func ValidNamespace(ns string) bool {
	return namespacePattern.MatchString(ns)
}

// IsAncestor reports whether ancestor is a strict dot-prefix ancestor of ns.
func IsAncestor(ancestor, ns string) bool {
	if ancestor == ns {
		return false
	}
	return strings.HasPrefix(ns, ancestor+".")
}

type AuthorizationReason string

const (
	ReasonSameNamespace AuthorizationReason = "same_namespace"
	ReasonParentChild   AuthorizationReason = "parent_child"
	ReasonBridge        AuthorizationReason = "bridge"
	ReasonDenied        AuthorizationReason = "denied"
)

// AuthorizeDirect resolves the hierarchy-only part of authorization. A false
// result is not final; a bridge may still grant access.
func AuthorizeDirect(requester, target string) (bool, AuthorizationReason) {
	if requester == target {
		return true, ReasonSameNamespace
	}
	if IsAncestor(requester, target) {
		return true, ReasonParentChild
	}
	return false, ReasonDenied
}

type BridgeVerdictReason string

const (
	BridgeOK             BridgeVerdictReason = "ok"
	BridgeExpired        BridgeVerdictReason = "expired"
	BridgeNotYetValid    BridgeVerdictReason = "not_yet_valid"
	BridgeWrongDirection BridgeVerdictReason = "wrong_direction"
	BridgeUnsigned       BridgeVerdictReason = "unsigned"
)

// BridgeEffectiveness is the audited verdict for one consulted bridge cell.
type BridgeEffectiveness struct {
	BridgeCellID string              `json:"bridge_cell_id"`
	Effective    bool                `json:"effective"`
	Reason       BridgeVerdictReason `json:"reason"`
}

// bridgeCovers reports whether grant covers ns: exact match or grant being an
// ancestor of ns. A grant to corp.hr covers a requester in corp.hr.payroll.
func bridgeCovers(grant, ns string) bool {
	return grant == ns || IsAncestor(grant, ns)
}

// ConnectsNamespaces reports whether the bridge references the requester and
// target pair in either direction. Only connecting bridges appear in the
// audit record; unrelated bridges are not consulted.
func (b *BridgePayload) ConnectsNamespaces(requester, target string) bool {
	forward := bridgeCovers(b.FromNamespace, requester) && bridgeCovers(b.ToNamespace, target)
	reverse := bridgeCovers(b.FromNamespace, target) && bridgeCovers(b.ToNamespace, requester)
	return forward || reverse
}

// EvaluateBridge renders the effectiveness verdict for one bridge cell at the
// query's frozen bitemporal coordinates. Precedence when multiple defects are
// present: direction, then signatures, then validity window.
func EvaluateBridge(cell *Cell, requester, target string, atValidTime time.Time) BridgeEffectiveness {
	verdict := BridgeEffectiveness{BridgeCellID: cell.CellID}
	b := cell.Bridge
	if b == nil {
		verdict.Reason = BridgeWrongDirection
		return verdict
	}

	if !(bridgeCovers(b.FromNamespace, requester) && bridgeCovers(b.ToNamespace, target)) {
		verdict.Reason = BridgeWrongDirection
		return verdict
	}
	if b.FromSignature == "" || b.ToSignature == "" {
		verdict.Reason = BridgeUnsigned
		return verdict
	}
	if atValidTime.Before(b.ValidFrom) {
		verdict.Reason = BridgeNotYetValid
		return verdict
	}
	if b.ValidTo != nil && !atValidTime.Before(*b.ValidTo) {
		verdict.Reason = BridgeExpired
		return verdict
	}

	verdict.Effective = true
	verdict.Reason = BridgeOK
	return verdict
}
