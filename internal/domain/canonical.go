package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Canonical serialization is SHA-256 over key-sorted, whitespace-free JSON.
// json.Marshal emits map keys in sorted order, so building a map[string]any
// and marshaling it yields the canonical byte form. This is the reference
// encoding every cell ID, policy hash, and proof-bundle signature depends on;
// changing it breaks cross-implementation verification.

// CanonicalBytes renders v as canonical JSON.
func CanonicalBytes(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewInternal("canonical serialization failed", err)
	}
	return b, nil
}

// HashHex is the SHA-256 hex digest of the canonical JSON form of v.
func HashHex(v any) (string, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalTime renders a timestamp for hashing. UTC RFC3339 with
// nanoseconds, so equal instants always hash equal.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CanonicalContent renders everything a cell's ID commits to: the full header
// and payload plus the proof metadata, excluding the signature itself (a
// signature cannot sign itself) and excluding the stored cell_id.
func CanonicalContent(c *Cell) (map[string]any, error) {
	payload, err := c.Payload()
	if err != nil {
		return nil, err
	}

	content := map[string]any{
		"version":        c.Version,
		"graph_id":       c.GraphID,
		"cell_type":      string(c.CellType),
		"system_time":    canonicalTime(c.SystemTime),
		"prev_cell_hash": c.PrevCellHash,
		"proof": map[string]any{
			"signer_key_id":      c.Proof.SignerKeyID,
			"signature_required": c.Proof.SignatureRequired,
		},
	}

	switch p := payload.(type) {
	case *GenesisPayload:
		content["payload"] = map[string]any{"description": p.Description}
	case *FactPayload:
		m := map[string]any{
			"namespace":      p.Namespace,
			"subject":        p.Subject,
			"predicate":      p.Predicate,
			"object":         p.Object,
			"confidence":     p.Confidence,
			"source_quality": p.SourceQuality,
			"valid_from":     canonicalTime(p.ValidFrom),
		}
		if p.ValidTo != nil {
			m["valid_to"] = canonicalTime(*p.ValidTo)
		}
		content["payload"] = m
	case *BridgePayload:
		m := map[string]any{
			"from_namespace":     p.FromNamespace,
			"to_namespace":       p.ToNamespace,
			"valid_from":         canonicalTime(p.ValidFrom),
			"from_signer_key_id": p.FromSignerKeyID,
			"from_signature":     p.FromSignature,
			"to_signer_key_id":   p.ToSignerKeyID,
			"to_signature":       p.ToSignature,
		}
		if p.ValidTo != nil {
			m["valid_to"] = canonicalTime(*p.ValidTo)
		}
		content["payload"] = m
	case *PolicyHeadPayload:
		ids := append([]string(nil), p.PromotedRuleIDs...)
		sort.Strings(ids)
		content["payload"] = map[string]any{
			"namespace":         p.Namespace,
			"policy_hash":       p.PolicyHash,
			"promoted_rule_ids": ids,
			"prev_policy_head":  p.PrevPolicyHead,
		}
	case *WitnessSetPayload:
		witnesses := make([]map[string]any, 0, len(p.Witnesses))
		sorted := append([]Witness(nil), p.Witnesses...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].WitnessID < sorted[j].WitnessID })
		for _, w := range sorted {
			witnesses = append(witnesses, map[string]any{
				"witness_id": w.WitnessID,
				"public_key": w.PublicKeyB64,
			})
		}
		content["payload"] = map[string]any{
			"namespace": p.Namespace,
			"witnesses": witnesses,
			"threshold": p.Threshold,
		}
	default:
		return nil, NewInternal(fmt.Sprintf("unhandled payload type %T", payload), nil)
	}

	return content, nil
}

// ComputeCellID hashes the cell's canonical content.
func ComputeCellID(c *Cell) (string, error) {
	content, err := CanonicalContent(c)
	if err != nil {
		return "", err
	}
	return HashHex(content)
}

// PolicyHash commits to a rule set independent of submission order.
func PolicyHash(ruleIDs []string) (string, error) {
	ids := append([]string(nil), ruleIDs...)
	sort.Strings(ids)
	return HashHex(ids)
}
