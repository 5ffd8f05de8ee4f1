package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/signing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PromotionState string

const (
	PromotionPending      PromotionState = "PENDING"
	PromotionCollecting   PromotionState = "COLLECTING"
	PromotionThresholdMet PromotionState = "THRESHOLD_MET"
	PromotionFinalized    PromotionState = "FINALIZED"
	PromotionRejected     PromotionState = "REJECTED"
)

// PromotionRequest tracks one rule promotion through the witness ceremony.
// Rules are hypotheses until a threshold of witnesses signs their promotion
// into an immutable policy head.
type PromotionRequest struct {
	PromotionID string         `json:"promotion_id"`
	Namespace   string         `json:"namespace"`
	RuleIDs     []string       `json:"rule_ids"`
	Submitter   string         `json:"submitter"`
	SubmittedAt time.Time      `json:"submitted_at"`
	State       PromotionState `json:"state"`

	// Signatures maps witness_id to its base64 signature over the canonical
	// promotion content. Only verified signatures land here.
	Signatures map[string]string `json:"signatures"`

	RejectReason     string `json:"reject_reason,omitempty"`
	PolicyHeadCellID string `json:"policy_head_cell_id,omitempty"`
}

func (r *PromotionRequest) clone() *PromotionRequest {
	out := *r
	out.RuleIDs = append([]string(nil), r.RuleIDs...)
	out.Signatures = make(map[string]string, len(r.Signatures))
	for k, v := range r.Signatures {
		out.Signatures[k] = v
	}
	return &out
}

// PromotionContent is the canonical form a witness signs. It commits to the
// promotion id, so a signature cannot be replayed across promotions.
func PromotionContent(r *PromotionRequest) map[string]any {
	ids := append([]string(nil), r.RuleIDs...)
	sort.Strings(ids)
	return map[string]any{
		"promotion_id": r.PromotionID,
		"namespace":    r.Namespace,
		"rule_ids":     ids,
		"submitter":    r.Submitter,
		"submitted_at": r.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

// PromotionSigningBytes renders the bytes a witness must sign.
func PromotionSigningBytes(r *PromotionRequest) ([]byte, error) {
	return domain.CanonicalBytes(PromotionContent(r))
}

// PromotionService runs the governed rule lifecycle. Signature collection
// may proceed from concurrent submitters; finalization shares the chain's
// per-graph exclusive section so two promotions can never both finalize off
// the same observed state.
type PromotionService struct {
	chain  domain.ChainStore
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]*PromotionRequest
}

func NewPromotionService(chain domain.ChainStore, logger *zap.Logger) *PromotionService {
	return &PromotionService{
		chain:    chain,
		logger:   logger,
		requests: make(map[string]*PromotionRequest),
	}
}

// SubmitPromotion opens a promotion request for the namespace's rule cells.
func (s *PromotionService) SubmitPromotion(ctx context.Context, namespace string, ruleIDs []string, submitter string) (*PromotionRequest, error) {
	if !domain.ValidNamespace(namespace) {
		return nil, domain.NewSchemaInvalid("promotion namespace is invalid", map[string]any{"namespace": namespace})
	}
	if len(ruleIDs) == 0 {
		return nil, domain.NewSchemaInvalid("promotion requires at least one rule id", nil)
	}
	if submitter == "" {
		return nil, domain.NewSchemaInvalid("submitter is required", nil)
	}
	if _, err := s.witnessSetFor(ctx, namespace); err != nil {
		return nil, err
	}

	req := &PromotionRequest{
		PromotionID: uuid.NewString(),
		Namespace:   namespace,
		RuleIDs:     append([]string(nil), ruleIDs...),
		Submitter:   submitter,
		SubmittedAt: time.Now().UTC(),
		State:       PromotionPending,
		Signatures:  make(map[string]string),
	}
	sort.Strings(req.RuleIDs)

	s.mu.Lock()
	s.requests[req.PromotionID] = req
	s.mu.Unlock()

	s.logger.Info("promotion submitted",
		zap.String("promotion_id", req.PromotionID),
		zap.String("namespace", namespace),
		zap.Int("rules", len(req.RuleIDs)),
	)
	return req.clone(), nil
}

// GetPromotion returns a copy of the request's current state.
func (s *PromotionService) GetPromotion(promotionID string) (*PromotionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[promotionID]
	if !ok {
		return nil, domain.NewSchemaInvalid("unknown promotion id", map[string]any{"promotion_id": promotionID})
	}
	return req.clone(), nil
}

// CollectWitnessSignature verifies that the signer is a member of the
// namespace's witness set and that the signature covers the canonical
// promotion content, then records it. Distinct valid signatures meeting the
// threshold move the request to THRESHOLD_MET.
func (s *PromotionService) CollectWitnessSignature(ctx context.Context, promotionID, witnessID, signatureB64 string) (*PromotionRequest, error) {
	ws, namespace, err := s.promotionWitnessSet(ctx, promotionID)
	if err != nil {
		return nil, err
	}

	witness := ws.Witness(witnessID)
	if witness == nil {
		return nil, domain.NewUnauthorized("witness is not a member of the namespace witness set", map[string]any{
			"witness_id": witnessID,
			"namespace":  namespace,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[promotionID]
	if !ok {
		return nil, domain.NewSchemaInvalid("unknown promotion id", map[string]any{"promotion_id": promotionID})
	}
	switch req.State {
	case PromotionPending, PromotionCollecting:
	default:
		return nil, domain.NewIntegrityFail("promotion is not collecting signatures", map[string]any{
			"promotion_id": promotionID,
			"state":        string(req.State),
		})
	}

	payload, err := PromotionSigningBytes(req)
	if err != nil {
		return nil, err
	}
	ok, err = signing.VerifyB64(witness.PublicKeyB64, payload, signatureB64)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewSignatureInvalid("witness signature does not cover the promotion content", map[string]any{
			"promotion_id": promotionID,
			"witness_id":   witnessID,
		})
	}

	req.Signatures[witnessID] = signatureB64
	if len(req.Signatures) >= ws.Threshold {
		req.State = PromotionThresholdMet
	} else {
		req.State = PromotionCollecting
	}

	s.logger.Info("witness signature collected",
		zap.String("promotion_id", promotionID),
		zap.String("witness_id", witnessID),
		zap.Int("signatures", len(req.Signatures)),
		zap.Int("threshold", ws.Threshold),
		zap.String("state", string(req.State)),
	)
	return req.clone(), nil
}

// FinalizePromotion appends the policy head cell. Valid only from
// THRESHOLD_MET; the state check and the append happen inside the chain's
// exclusive section so a double finalization cannot race through.
func (s *PromotionService) FinalizePromotion(ctx context.Context, promotionID string, systemTime time.Time) (*domain.Cell, error) {
	var appended *domain.Cell
	err := s.chain.WithAppendLock(ctx, true, func(head *domain.Cell, cells []domain.Cell) (*domain.Cell, error) {
		if head == nil {
			return nil, domain.NewIntegrityFail("graph has no genesis cell", nil)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		req, ok := s.requests[promotionID]
		if !ok {
			return nil, domain.NewSchemaInvalid("unknown promotion id", map[string]any{"promotion_id": promotionID})
		}
		if req.State != PromotionThresholdMet {
			return nil, domain.NewIntegrityFail("promotion has not met its witness threshold", map[string]any{
				"promotion_id": promotionID,
				"state":        string(req.State),
			})
		}

		hash, err := domain.PolicyHash(req.RuleIDs)
		if err != nil {
			return nil, err
		}
		cell, err := domain.NewPolicyHeadCell(s.chain.GraphID(), systemTime, head.CellID, domain.PolicyHeadPayload{
			Namespace:       req.Namespace,
			PolicyHash:      hash,
			PromotedRuleIDs: append([]string(nil), req.RuleIDs...),
			PrevPolicyHead:  latestPolicyHeadID(cells, req.Namespace),
		}, domain.Proof{})
		if err != nil {
			return nil, err
		}

		req.State = PromotionFinalized
		req.PolicyHeadCellID = cell.CellID
		appended = &cell
		return &cell, nil
	})
	if err != nil {
		return nil, domain.AsError(err)
	}

	s.logger.Info("promotion finalized",
		zap.String("promotion_id", promotionID),
		zap.String("policy_head", appended.CellID),
	)
	return appended, nil
}

// RejectPromotion closes a request without appending anything.
func (s *PromotionService) RejectPromotion(promotionID, reason string) (*PromotionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[promotionID]
	if !ok {
		return nil, domain.NewSchemaInvalid("unknown promotion id", map[string]any{"promotion_id": promotionID})
	}
	switch req.State {
	case PromotionFinalized, PromotionRejected:
		return nil, domain.NewIntegrityFail("promotion is already closed", map[string]any{
			"promotion_id": promotionID,
			"state":        string(req.State),
		})
	}
	req.State = PromotionRejected
	req.RejectReason = reason
	return req.clone(), nil
}

func (s *PromotionService) promotionWitnessSet(ctx context.Context, promotionID string) (*domain.WitnessSetPayload, string, error) {
	s.mu.Lock()
	req, ok := s.requests[promotionID]
	var namespace string
	if ok {
		namespace = req.Namespace
	}
	s.mu.Unlock()
	if !ok {
		return nil, "", domain.NewSchemaInvalid("unknown promotion id", map[string]any{"promotion_id": promotionID})
	}
	ws, err := s.witnessSetFor(ctx, namespace)
	if err != nil {
		return nil, "", err
	}
	return ws, namespace, nil
}

// witnessSetFor returns the newest witness set cell for the namespace.
func (s *PromotionService) witnessSetFor(ctx context.Context, namespace string) (*domain.WitnessSetPayload, error) {
	cells, err := s.chain.Cells(ctx)
	if err != nil {
		return nil, domain.AsError(err)
	}
	var found *domain.WitnessSetPayload
	for i := range cells {
		if cells[i].CellType == domain.CellTypeWitnessSet && cells[i].WitnessSet != nil &&
			cells[i].WitnessSet.Namespace == namespace {
			found = cells[i].WitnessSet
		}
	}
	if found == nil {
		return nil, domain.NewUnauthorized("namespace has no witness set", map[string]any{"namespace": namespace})
	}
	return found, nil
}

func latestPolicyHeadID(cells []domain.Cell, namespace string) string {
	id := ""
	for i := range cells {
		if cells[i].CellType == domain.CellTypePolicyHead && cells[i].PolicyHead != nil &&
			cells[i].PolicyHead.Namespace == namespace {
			id = cells[i].CellID
		}
	}
	return id
}
