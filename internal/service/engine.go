package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/signing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	PacketVersion = "1"

	// OffendingValueLimit bounds the copy of a rejected value carried in
	// input_invalid details.
	OffendingValueLimit = 100

	objectMaxLen      = 4096
	requesterIDMaxLen = 256
)

var (
	subjectPattern   = regexp.MustCompile(`^[a-z_]+:[a-z0-9_./-]{1,128}$`)
	predicatePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)
)

// PacketSignature is the transport form of a proof-bundle signature: raw
// Ed25519 bytes base64-encoded at the JSON boundary.
type PacketSignature struct {
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// ProofPacket wraps one query's proof bundle for transport.
type ProofPacket struct {
	PacketVersion string           `json:"packet_version"`
	PacketID      string           `json:"packet_id"`
	GeneratedAt   time.Time        `json:"generated_at"`
	GraphID       string           `json:"graph_id"`
	ProofBundle   map[string]any   `json:"proof_bundle"`
	Signature     *PacketSignature `json:"signature,omitempty"`
}

// Engine is the single validated entry point: canonicalize, validate, query
// the scholar, build a proof packet and optionally sign it. It also owns the
// commit paths that append cells to the chain.
type Engine struct {
	chain       domain.ChainStore
	scholar     *Scholar
	archive     domain.ArchiveStore
	signingKey  *signing.KeyPair
	signerKeyID string
	logger      *zap.Logger
}

func NewEngine(chain domain.ChainStore, logger *zap.Logger) *Engine {
	return &Engine{
		chain:   chain,
		scholar: NewScholar(chain, logger),
		logger:  logger,
	}
}

// SetSigningKey arms packet signing. Without a key packets go out unsigned.
func (e *Engine) SetSigningKey(kp *signing.KeyPair, signerKeyID string) {
	e.signingKey = kp
	e.signerKeyID = signerKeyID
}

// SetArchive arms durable mirroring of appended cells.
func (e *Engine) SetArchive(a domain.ArchiveStore) {
	e.archive = a
}

func (e *Engine) Scholar() *Scholar { return e.scholar }

// ProcessRFA runs the request-for-answer pipeline, each stage failing fast.
// Every error it returns carries a stable taxonomy code.
func (e *Engine) ProcessRFA(ctx context.Context, raw map[string]any) (*ProofPacket, error) {
	req := canonicalizeRequest(raw)

	if err := validateSchema(req); err != nil {
		return nil, err
	}
	params, err := buildQueryParams(req)
	if err != nil {
		return nil, err
	}

	result, err := e.scholar.QueryFacts(ctx, params)
	if err != nil {
		return nil, domain.AsError(err)
	}

	packet := &ProofPacket{
		PacketVersion: PacketVersion,
		PacketID:      uuid.NewString(),
		GeneratedAt:   time.Now().UTC(),
		GraphID:       result.GraphID,
		ProofBundle:   result.ToProofBundle(),
	}

	if e.signingKey != nil {
		if err := e.signPacket(packet); err != nil {
			return nil, domain.AsError(err)
		}
	}

	e.logger.Info("rfa processed",
		zap.String("packet_id", packet.PacketID),
		zap.String("namespace", params.Namespace),
		zap.Bool("allowed", result.Authorization.Allowed),
		zap.Int("facts", len(result.Facts)),
	)
	return packet, nil
}

func (e *Engine) signPacket(packet *ProofPacket) error {
	payload, err := domain.CanonicalBytes(packet.ProofBundle)
	if err != nil {
		return err
	}
	sig, err := signing.Sign(e.signingKey.PrivateKey, payload)
	if err != nil {
		return err
	}
	packet.Signature = &PacketSignature{
		Algorithm: signing.Algorithm,
		PublicKey: signing.EncodeB64(e.signingKey.PublicKey),
		Signature: signing.EncodeB64(sig),
		SignedAt:  time.Now().UTC(),
	}
	return nil
}

// VerifyProofPacket recomputes the canonical proof-bundle bytes and checks
// the embedded signature against pubB64. A genuine verification failure is
// (false, nil); only malformed encodings raise.
func VerifyProofPacket(packet *ProofPacket, pubB64 string) (bool, error) {
	if packet == nil || packet.Signature == nil {
		return false, domain.NewSignatureInvalid("packet carries no signature", nil)
	}
	payload, err := domain.CanonicalBytes(packet.ProofBundle)
	if err != nil {
		return false, err
	}
	return signing.VerifyB64(pubB64, payload, packet.Signature.Signature)
}

// canonicalizeRequest trims whitespace on string values and drops nulls.
// Key order is irrelevant here; canonical ordering happens at serialization.
func canonicalizeRequest(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(s)
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// validateSchema checks the structural contract: the three identity fields
// must be present and strings. The error lists every offender at once.
func validateSchema(req map[string]any) error {
	missing := []string{}
	mistyped := []string{}
	for _, field := range []string{"namespace", "requester_namespace", "requester_id"} {
		v, ok := req[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		s, isString := v.(string)
		if !isString {
			mistyped = append(mistyped, field)
			continue
		}
		if s == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 || len(mistyped) > 0 {
		details := map[string]any{}
		if len(missing) > 0 {
			details["missing_fields"] = missing
		}
		if len(mistyped) > 0 {
			details["mistyped_fields"] = mistyped
		}
		return domain.NewSchemaInvalid("request is missing required fields", details)
	}
	return nil
}

func inputInvalid(field, constraint, value string) error {
	return domain.NewInputInvalid(
		fmt.Sprintf("field %s violates %s", field, constraint),
		map[string]any{
			"field":      field,
			"constraint": constraint,
			"value":      domain.Truncate(value, OffendingValueLimit),
		})
}

func hasForbiddenControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			return true
		}
	}
	return false
}

func stringField(req map[string]any, key string) (string, error) {
	v, ok := req[key]
	if !ok {
		return "", nil
	}
	s, isString := v.(string)
	if !isString {
		return "", inputInvalid(key, "must be a string", fmt.Sprintf("%v", v))
	}
	return s, nil
}

func timeField(req map[string]any, key string, fallback time.Time) (time.Time, error) {
	v, ok := req[key]
	if !ok {
		return fallback, nil
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, inputInvalid(key, "must be an RFC 3339 timestamp", t)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, inputInvalid(key, "must be an RFC 3339 timestamp", fmt.Sprintf("%v", v))
	}
}

// buildQueryParams validates field content and freezes the bitemporal
// coordinates. Both coordinates default to the same instant so an
// unqualified query reads present-day state.
func buildQueryParams(req map[string]any) (domain.QueryParams, error) {
	var p domain.QueryParams

	p.Namespace = req["namespace"].(string)
	p.RequesterNamespace = req["requester_namespace"].(string)
	p.RequesterID = req["requester_id"].(string)

	if !domain.ValidNamespace(p.Namespace) {
		return p, inputInvalid("namespace", "dot-separated lowercase segments", p.Namespace)
	}
	if !domain.ValidNamespace(p.RequesterNamespace) {
		return p, inputInvalid("requester_namespace", "dot-separated lowercase segments", p.RequesterNamespace)
	}

	// requester_id is free-form but flows into proof bundles and audit text,
	// so it gets the same hygiene checks as object.
	if utf8.RuneCountInString(p.RequesterID) > requesterIDMaxLen {
		return p, inputInvalid("requester_id", fmt.Sprintf("at most %d characters", requesterIDMaxLen), p.RequesterID)
	}
	if hasForbiddenControlChars(p.RequesterID) {
		return p, inputInvalid("requester_id", "no control characters except tab and newline", p.RequesterID)
	}

	subject, err := stringField(req, "subject")
	if err != nil {
		return p, err
	}
	if subject != "" && !subjectPattern.MatchString(subject) {
		return p, inputInvalid("subject", subjectPattern.String(), subject)
	}
	p.Subject = subject

	predicate, err := stringField(req, "predicate")
	if err != nil {
		return p, err
	}
	if predicate != "" && !predicatePattern.MatchString(predicate) {
		return p, inputInvalid("predicate", predicatePattern.String(), predicate)
	}
	p.Predicate = predicate

	object, err := stringField(req, "object")
	if err != nil {
		return p, err
	}
	if utf8.RuneCountInString(object) > objectMaxLen {
		return p, inputInvalid("object", fmt.Sprintf("at most %d characters", objectMaxLen), object)
	}
	if hasForbiddenControlChars(object) {
		return p, inputInvalid("object", "no control characters except tab and newline", object)
	}
	p.Object = object

	mode, err := stringField(req, "policy_mode")
	if err != nil {
		return p, err
	}
	if mode == "" {
		p.PolicyMode = domain.PolicyModeAll
	} else {
		if !domain.ValidPolicyMode(mode) {
			return p, inputInvalid("policy_mode", "one of: all, promoted_only", mode)
		}
		p.PolicyMode = domain.PolicyMode(mode)
	}

	now := time.Now().UTC()
	p.AtValidTime, err = timeField(req, "at_valid_time", now)
	if err != nil {
		return p, err
	}
	p.AsOfSystemTime, err = timeField(req, "as_of_system_time", now)
	if err != nil {
		return p, err
	}
	return p, nil
}

// InitGenesis appends the graph's genesis cell. Valid only on an empty chain.
func (e *Engine) InitGenesis(ctx context.Context, systemTime time.Time, description string) (*domain.Cell, error) {
	var appended *domain.Cell
	seq := -1
	err := e.chain.WithAppendLock(ctx, false, func(head *domain.Cell, cells []domain.Cell) (*domain.Cell, error) {
		if head != nil {
			return nil, domain.NewIntegrityFail("graph already has a genesis cell", nil)
		}
		cell, err := domain.NewGenesisCell(e.chain.GraphID(), systemTime, description)
		if err != nil {
			return nil, err
		}
		appended = &cell
		seq = len(cells)
		return &cell, nil
	})
	if err != nil {
		return nil, domain.AsError(err)
	}
	e.mirror(ctx, seq, appended)
	return appended, nil
}

// CommitFact appends a fact cell under the per-graph append lock.
func (e *Engine) CommitFact(ctx context.Context, systemTime time.Time, fact domain.FactPayload, proof domain.Proof) (*domain.Cell, error) {
	return e.commit(ctx, func(head *domain.Cell) (domain.Cell, error) {
		return domain.NewFactCell(e.chain.GraphID(), systemTime, head.CellID, fact, proof)
	})
}

// CommitBridge appends a dual-signed bridge cell.
func (e *Engine) CommitBridge(ctx context.Context, systemTime time.Time, bridge domain.BridgePayload, proof domain.Proof) (*domain.Cell, error) {
	return e.commit(ctx, func(head *domain.Cell) (domain.Cell, error) {
		return domain.NewBridgeCell(e.chain.GraphID(), systemTime, head.CellID, bridge, proof)
	})
}

// CommitWitnessSet appends the witness set governing a namespace's
// promotions. A later witness set cell supersedes the earlier one.
func (e *Engine) CommitWitnessSet(ctx context.Context, systemTime time.Time, ws domain.WitnessSetPayload, proof domain.Proof) (*domain.Cell, error) {
	return e.commit(ctx, func(head *domain.Cell) (domain.Cell, error) {
		return domain.NewWitnessSetCell(e.chain.GraphID(), systemTime, head.CellID, ws, proof)
	})
}

func (e *Engine) commit(ctx context.Context, build func(head *domain.Cell) (domain.Cell, error)) (*domain.Cell, error) {
	var appended *domain.Cell
	seq := -1
	err := e.chain.WithAppendLock(ctx, true, func(head *domain.Cell, cells []domain.Cell) (*domain.Cell, error) {
		if head == nil {
			return nil, domain.NewIntegrityFail("graph has no genesis cell", nil)
		}
		cell, err := build(head)
		if err != nil {
			return nil, err
		}
		appended = &cell
		seq = len(cells)
		return &cell, nil
	})
	if err != nil {
		return nil, domain.AsError(err)
	}
	e.mirror(ctx, seq, appended)
	return appended, nil
}

// mirror saves an appended cell to the archive when one is configured. seq is
// the cell's chain index, captured inside the exclusive section so concurrent
// commits cannot assign the same archive position. The arena is authoritative,
// so an archive fault is logged, not propagated.
func (e *Engine) mirror(ctx context.Context, seq int, cell *domain.Cell) {
	if e.archive == nil || cell == nil || seq < 0 {
		return
	}
	if err := e.archive.SaveCell(ctx, seq, cell); err != nil {
		e.logger.Warn("archive mirror failed",
			zap.Int("seq", seq),
			zap.String("cell_id", cell.CellID),
			zap.Error(err),
		)
	}
}
