package domain

import (
	"time"
)

// CellVersion is the wire version stamped on every cell header.
const CellVersion = "1"

type CellType string

const (
	CellTypeGenesis    CellType = "genesis"
	CellTypeFact       CellType = "fact"
	CellTypeBridge     CellType = "bridge"
	CellTypePolicyHead CellType = "policy_head"
	CellTypeWitnessSet CellType = "witness_set"
)

func ValidCellType(t string) bool {
	switch CellType(t) {
	case CellTypeGenesis, CellTypeFact, CellTypeBridge, CellTypePolicyHead, CellTypeWitnessSet:
		return true
	}
	return false
}

// GenesisPrevHash is the prev_cell_hash sentinel carried by a genesis cell.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Proof carries the optional signature attached to a cell. The signature
// covers the cell's canonical content, which excludes the signature itself.
type Proof struct {
	Signature         string `json:"signature,omitempty"`
	SignerKeyID       string `json:"signer_key_id,omitempty"`
	SignatureRequired bool   `json:"signature_required"`
}

type GenesisPayload struct {
	Description string `json:"description,omitempty"`
}

type FactPayload struct {
	Namespace     string     `json:"namespace"`
	Subject       string     `json:"subject"`
	Predicate     string     `json:"predicate"`
	Object        string     `json:"object"`
	Confidence    float64    `json:"confidence"`
	SourceQuality string     `json:"source_quality,omitempty"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
}

// ConflictKey identifies the logical slot a fact occupies. Two facts with the
// same conflict key are candidates for the same question and must be resolved
// against each other.
func (f *FactPayload) ConflictKey() string {
	return f.Namespace + "|" + f.Subject + "|" + f.Predicate
}

// BridgePayload is an explicit, time-bounded, dual-signed grant enabling
// access between two namespaces with no ancestor relation. Both sides must
// sign the bridge for it to be effective.
type BridgePayload struct {
	FromNamespace   string     `json:"from_namespace"`
	ToNamespace     string     `json:"to_namespace"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidTo         *time.Time `json:"valid_to,omitempty"`
	FromSignerKeyID string     `json:"from_signer_key_id,omitempty"`
	FromSignature   string     `json:"from_signature,omitempty"`
	ToSignerKeyID   string     `json:"to_signer_key_id,omitempty"`
	ToSignature     string     `json:"to_signature,omitempty"`
}

// PolicyHeadPayload is an immutable snapshot of the rules promoted for a
// namespace. Heads form their own mini-chain via PrevPolicyHead so "what
// policy was active at time T" stays answerable.
type PolicyHeadPayload struct {
	Namespace       string   `json:"namespace"`
	PolicyHash      string   `json:"policy_hash"`
	PromotedRuleIDs []string `json:"promoted_rule_ids"`
	PrevPolicyHead  string   `json:"prev_policy_head,omitempty"`
}

type Witness struct {
	WitnessID    string `json:"witness_id"`
	PublicKeyB64 string `json:"public_key"`
}

type WitnessSetPayload struct {
	Namespace string    `json:"namespace"`
	Witnesses []Witness `json:"witnesses"`
	Threshold int       `json:"threshold"`
}

func (w *WitnessSetPayload) Validate() error {
	if !ValidNamespace(w.Namespace) {
		return NewSchemaInvalid("witness set namespace is invalid", map[string]any{"namespace": w.Namespace})
	}
	if len(w.Witnesses) == 0 {
		return NewSchemaInvalid("witness set requires at least one witness", nil)
	}
	if w.Threshold < 1 || w.Threshold > len(w.Witnesses) {
		return NewSchemaInvalid("witness threshold out of range", map[string]any{
			"threshold": w.Threshold,
			"witnesses": len(w.Witnesses),
		})
	}
	seen := make(map[string]struct{}, len(w.Witnesses))
	for _, wit := range w.Witnesses {
		if wit.WitnessID == "" {
			return NewSchemaInvalid("witness_id is required", nil)
		}
		if _, dup := seen[wit.WitnessID]; dup {
			return NewSchemaInvalid("duplicate witness_id", map[string]any{"witness_id": wit.WitnessID})
		}
		seen[wit.WitnessID] = struct{}{}
	}
	return nil
}

// Witness returns the member with the given ID, or nil.
func (w *WitnessSetPayload) Witness(id string) *Witness {
	for i := range w.Witnesses {
		if w.Witnesses[i].WitnessID == id {
			return &w.Witnesses[i]
		}
	}
	return nil
}

// Cell is an immutable, content-addressed ledger record. Exactly one payload
// pointer is non-nil and it must agree with CellType; Payload enforces this
// so no consumer can silently skip a variant.
type Cell struct {
	Version      string    `json:"version"`
	GraphID      string    `json:"graph_id"`
	CellType     CellType  `json:"cell_type"`
	SystemTime   time.Time `json:"system_time"`
	PrevCellHash string    `json:"prev_cell_hash"`
	CellID       string    `json:"cell_id"`

	Genesis    *GenesisPayload    `json:"genesis,omitempty"`
	Fact       *FactPayload       `json:"fact,omitempty"`
	Bridge     *BridgePayload     `json:"bridge,omitempty"`
	PolicyHead *PolicyHeadPayload `json:"policy_head,omitempty"`
	WitnessSet *WitnessSetPayload `json:"witness_set,omitempty"`

	Proof Proof `json:"proof"`
}

// Payload returns the single payload matching the cell's declared type.
// A cell whose tag and payload pointers disagree is malformed.
func (c *Cell) Payload() (any, error) {
	var set int
	for _, p := range []bool{c.Genesis != nil, c.Fact != nil, c.Bridge != nil, c.PolicyHead != nil, c.WitnessSet != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return nil, NewSchemaInvalid("cell must carry exactly one payload", map[string]any{
			"cell_type": string(c.CellType),
			"payloads":  set,
		})
	}
	switch c.CellType {
	case CellTypeGenesis:
		if c.Genesis == nil {
			return nil, payloadMismatch(c)
		}
		return c.Genesis, nil
	case CellTypeFact:
		if c.Fact == nil {
			return nil, payloadMismatch(c)
		}
		return c.Fact, nil
	case CellTypeBridge:
		if c.Bridge == nil {
			return nil, payloadMismatch(c)
		}
		return c.Bridge, nil
	case CellTypePolicyHead:
		if c.PolicyHead == nil {
			return nil, payloadMismatch(c)
		}
		return c.PolicyHead, nil
	case CellTypeWitnessSet:
		if c.WitnessSet == nil {
			return nil, payloadMismatch(c)
		}
		return c.WitnessSet, nil
	}
	return nil, NewSchemaInvalid("unknown cell type", map[string]any{"cell_type": string(c.CellType)})
}

func payloadMismatch(c *Cell) error {
	return NewSchemaInvalid("cell payload does not match cell_type", map[string]any{
		"cell_type": string(c.CellType),
	})
}

// ValidateHeader checks the structural shape of the cell header: version,
// graph id, known type, timestamp, and prev-hash presence. Link correctness
// is the chain's job, not the cell's.
func (c *Cell) ValidateHeader() error {
	missing := []string{}
	if c.Version == "" {
		missing = append(missing, "version")
	}
	if c.GraphID == "" {
		missing = append(missing, "graph_id")
	}
	if c.SystemTime.IsZero() {
		missing = append(missing, "system_time")
	}
	if c.PrevCellHash == "" {
		missing = append(missing, "prev_cell_hash")
	}
	if c.CellID == "" {
		missing = append(missing, "cell_id")
	}
	if len(missing) > 0 {
		return NewSchemaInvalid("cell header missing fields", map[string]any{"missing_fields": missing})
	}
	if !ValidCellType(string(c.CellType)) {
		return NewSchemaInvalid("unknown cell type", map[string]any{"cell_type": string(c.CellType)})
	}
	if _, err := c.Payload(); err != nil {
		return err
	}
	return nil
}

func newHeader(graphID string, cellType CellType, systemTime time.Time, prevHash string) Cell {
	return Cell{
		Version:      CellVersion,
		GraphID:      graphID,
		CellType:     cellType,
		SystemTime:   systemTime.UTC(),
		PrevCellHash: prevHash,
	}
}

// NewGenesisCell builds the first cell of a graph. Its prev hash is the
// well-known zero sentinel.
func NewGenesisCell(graphID string, systemTime time.Time, description string) (Cell, error) {
	c := newHeader(graphID, CellTypeGenesis, systemTime, GenesisPrevHash)
	c.Genesis = &GenesisPayload{Description: description}
	return seal(c)
}

func NewFactCell(graphID string, systemTime time.Time, prevHash string, fact FactPayload, proof Proof) (Cell, error) {
	if !ValidNamespace(fact.Namespace) {
		return Cell{}, NewSchemaInvalid("fact namespace is invalid", map[string]any{"namespace": fact.Namespace})
	}
	c := newHeader(graphID, CellTypeFact, systemTime, prevHash)
	fact.ValidFrom = fact.ValidFrom.UTC()
	if fact.ValidTo != nil {
		t := fact.ValidTo.UTC()
		fact.ValidTo = &t
	}
	c.Fact = &fact
	c.Proof = proof
	return seal(c)
}

func NewBridgeCell(graphID string, systemTime time.Time, prevHash string, bridge BridgePayload, proof Proof) (Cell, error) {
	if !ValidNamespace(bridge.FromNamespace) || !ValidNamespace(bridge.ToNamespace) {
		return Cell{}, NewSchemaInvalid("bridge namespaces are invalid", map[string]any{
			"from_namespace": bridge.FromNamespace,
			"to_namespace":   bridge.ToNamespace,
		})
	}
	c := newHeader(graphID, CellTypeBridge, systemTime, prevHash)
	bridge.ValidFrom = bridge.ValidFrom.UTC()
	if bridge.ValidTo != nil {
		t := bridge.ValidTo.UTC()
		bridge.ValidTo = &t
	}
	c.Bridge = &bridge
	c.Proof = proof
	return seal(c)
}

func NewPolicyHeadCell(graphID string, systemTime time.Time, prevHash string, head PolicyHeadPayload, proof Proof) (Cell, error) {
	c := newHeader(graphID, CellTypePolicyHead, systemTime, prevHash)
	c.PolicyHead = &head
	c.Proof = proof
	return seal(c)
}

func NewWitnessSetCell(graphID string, systemTime time.Time, prevHash string, ws WitnessSetPayload, proof Proof) (Cell, error) {
	if err := ws.Validate(); err != nil {
		return Cell{}, err
	}
	c := newHeader(graphID, CellTypeWitnessSet, systemTime, prevHash)
	c.WitnessSet = &ws
	c.Proof = proof
	return seal(c)
}

func seal(c Cell) (Cell, error) {
	id, err := ComputeCellID(&c)
	if err != nil {
		return Cell{}, err
	}
	c.CellID = id
	return c, nil
}
