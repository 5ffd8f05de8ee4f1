package domain

import (
	"testing"
	"time"
)

func TestValidNamespace(t *testing.T) {
	valid := []string{"corp", "corp.hr", "corp.hr.compensation", "a_b.c_1"}
	for _, ns := range valid {
		if !ValidNamespace(ns) {
			t.Errorf("%q should be valid", ns)
		}
	}
	invalid := []string{"", "Corp", "corp..hr", ".corp", "corp.", "corp hr"}
	for _, ns := range invalid {
		if ValidNamespace(ns) {
			t.Errorf("%q should be invalid", ns)
		}
	}
}

func TestIsAncestor(t *testing.T) {
	if !IsAncestor("corp", "corp.hr") {
		t.Error("corp should be an ancestor of corp.hr")
	}
	if !IsAncestor("corp.hr", "corp.hr.compensation") {
		t.Error("corp.hr should be an ancestor of corp.hr.compensation")
	}
	if IsAncestor("corp.hr", "corp.hr") {
		t.Error("a namespace is not its own ancestor")
	}
	if IsAncestor("corp.hr", "corp.hrx") {
		t.Error("prefix without a dot boundary is not ancestry")
	}
	if IsAncestor("corp.hr", "corp") {
		t.Error("ancestry does not run upward")
	}
}

func TestAuthorizeDirect(t *testing.T) {
	if ok, reason := AuthorizeDirect("corp.hr", "corp.hr"); !ok || reason != ReasonSameNamespace {
		t.Fatalf("same namespace: ok=%t reason=%s", ok, reason)
	}
	if ok, reason := AuthorizeDirect("corp", "corp.hr.compensation"); !ok || reason != ReasonParentChild {
		t.Fatalf("ancestor: ok=%t reason=%s", ok, reason)
	}
	if ok, _ := AuthorizeDirect("corp.hr", "corp.finance"); ok {
		t.Fatal("siblings must not authorize directly")
	}
	if ok, _ := AuthorizeDirect("corp.hr.compensation", "corp.hr"); ok {
		t.Fatal("children must not read ancestors")
	}
}

func bridgeCell(t *testing.T, payload BridgePayload) *Cell {
	t.Helper()
	cell, err := NewBridgeCell("g1", testTime, GenesisPrevHash, payload, Proof{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return &cell
}

func TestEvaluateBridge(t *testing.T) {
	expiry := testTime.Add(time.Hour)
	signed := BridgePayload{
		FromNamespace: "corp.hr",
		ToNamespace:   "corp.finance",
		ValidFrom:     testTime,
		ValidTo:       &expiry,
		FromSignature: "c2lnMQ==",
		ToSignature:   "c2lnMg==",
	}

	cases := []struct {
		name      string
		payload   BridgePayload
		requester string
		target    string
		at        time.Time
		effective bool
		reason    BridgeVerdictReason
	}{
		{
			name: "effective", payload: signed,
			requester: "corp.hr", target: "corp.finance", at: testTime.Add(time.Minute),
			effective: true, reason: BridgeOK,
		},
		{
			name: "wrong direction", payload: signed,
			requester: "corp.finance", target: "corp.hr", at: testTime.Add(time.Minute),
			reason: BridgeWrongDirection,
		},
		{
			name: "expired", payload: signed,
			requester: "corp.hr", target: "corp.finance", at: testTime.Add(2 * time.Hour),
			reason: BridgeExpired,
		},
		{
			name: "not yet valid", payload: signed,
			requester: "corp.hr", target: "corp.finance", at: testTime.Add(-time.Minute),
			reason: BridgeNotYetValid,
		},
		{
			name: "unsigned",
			payload: BridgePayload{
				FromNamespace: "corp.hr",
				ToNamespace:   "corp.finance",
				ValidFrom:     testTime,
				FromSignature: "c2lnMQ==",
			},
			requester: "corp.hr", target: "corp.finance", at: testTime.Add(time.Minute),
			reason: BridgeUnsigned,
		},
		{
			name: "descendant of granted namespace", payload: signed,
			requester: "corp.hr.payroll", target: "corp.finance", at: testTime.Add(time.Minute),
			effective: true, reason: BridgeOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := EvaluateBridge(bridgeCell(t, tc.payload), tc.requester, tc.target, tc.at)
			if verdict.Effective != tc.effective {
				t.Fatalf("effective = %t, want %t", verdict.Effective, tc.effective)
			}
			if verdict.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", verdict.Reason, tc.reason)
			}
		})
	}
}
