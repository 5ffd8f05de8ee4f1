package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
	"github.com/Harshitk-cp/decisiongraph/internal/signing"
	"github.com/Harshitk-cp/decisiongraph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	chain := newTestChain(t)
	return NewEngine(chain, zap.NewNop())
}

func validRequest() map[string]any {
	return map[string]any{
		"namespace":           "corp.hr",
		"requester_namespace": "corp.hr",
		"requester_id":        "auditor:sam",
		"subject":             "employee:jane",
		"predicate":           "has_salary",
		"at_valid_time":       t0.Add(time.Hour).Format(time.RFC3339Nano),
		"as_of_system_time":   t0.Add(time.Hour).Format(time.RFC3339Nano),
	}
}

func TestProcessRFAMissingRequesterID(t *testing.T) {
	engine := newTestEngine(t)
	req := validRequest()
	delete(req, "requester_id")

	_, err := engine.ProcessRFA(context.Background(), req)
	require.Error(t, err)

	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.CodeSchemaInvalid, de.Code)
	assert.Equal(t, []string{"requester_id"}, de.Details["missing_fields"])
}

func TestProcessRFAMistypedField(t *testing.T) {
	engine := newTestEngine(t)
	req := validRequest()
	req["namespace"] = 42

	_, err := engine.ProcessRFA(context.Background(), req)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.CodeSchemaInvalid, de.Code)
	assert.Equal(t, []string{"namespace"}, de.Details["mistyped_fields"])
}

func TestProcessRFAUppercaseSubject(t *testing.T) {
	engine := newTestEngine(t)
	req := validRequest()
	req["subject"] = "USER:Alice"

	_, err := engine.ProcessRFA(context.Background(), req)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.CodeInputInvalid, de.Code)
	assert.Equal(t, "subject", de.Details["field"])
	assert.Equal(t, "USER:Alice", de.Details["value"])
}

func TestProcessRFAFieldContentLimits(t *testing.T) {
	engine := newTestEngine(t)

	cases := []struct {
		name  string
		field string
		value string
	}{
		{"bad predicate", "predicate", "9starts_with_digit"},
		{"oversized object", "object", strings.Repeat("x", objectMaxLen+1)},
		{"control character in object", "object", "line1\x00line2"},
		{"bad policy mode", "policy_mode", "shadow"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			req[tc.field] = tc.value
			_, err := engine.ProcessRFA(context.Background(), req)
			var de *domain.Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, domain.CodeInputInvalid, de.Code)
			if s, ok := de.Details["value"].(string); ok {
				assert.LessOrEqual(t, len(s), OffendingValueLimit)
			}
		})
	}
}

func TestObjectLimitCountsCharacters(t *testing.T) {
	engine := newTestEngine(t)

	// multibyte runes: 4096 characters is within the limit even though the
	// byte length is twice that
	req := validRequest()
	delete(req, "subject")
	delete(req, "predicate")
	req["object"] = strings.Repeat("é", objectMaxLen)
	_, err := engine.ProcessRFA(context.Background(), req)
	require.NoError(t, err)

	req["object"] = strings.Repeat("é", objectMaxLen+1)
	_, err = engine.ProcessRFA(context.Background(), req)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.CodeInputInvalid, de.Code)
	assert.Equal(t, "object", de.Details["field"])
}

func TestRequesterIDContentChecks(t *testing.T) {
	engine := newTestEngine(t)

	cases := []struct {
		name  string
		value string
	}{
		{"control character", "auditor\x00sam"},
		{"oversized", strings.Repeat("a", requesterIDMaxLen+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			req["requester_id"] = tc.value
			_, err := engine.ProcessRFA(context.Background(), req)
			var de *domain.Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, domain.CodeInputInvalid, de.Code)
			assert.Equal(t, "requester_id", de.Details["field"])
		})
	}
}

func TestProcessRFATabAndNewlineAllowed(t *testing.T) {
	engine := newTestEngine(t)
	req := validRequest()
	delete(req, "subject")
	delete(req, "predicate")
	req["object"] = "line1\n\tline2"

	_, err := engine.ProcessRFA(context.Background(), req)
	require.NoError(t, err)
}

func TestProcessRFACanonicalizesInput(t *testing.T) {
	engine := newTestEngine(t)
	req := validRequest()
	req["requester_id"] = "  auditor:sam  "
	req["object"] = nil // nulls dropped

	packet, err := engine.ProcessRFA(context.Background(), req)
	require.NoError(t, err)
	query := packet.ProofBundle["query"].(map[string]any)
	assert.Equal(t, "auditor:sam", query["requester_id"])
}

func TestProcessRFADeterministicBundle(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	mustAppendFact(t, chain, t0.Add(2*time.Second), hrSalaryFact("97000"))
	engine := NewEngine(chain, zap.NewNop())

	first, err := engine.ProcessRFA(context.Background(), validRequest())
	require.NoError(t, err)
	second, err := engine.ProcessRFA(context.Background(), validRequest())
	require.NoError(t, err)

	// packet_id and generated_at differ; the canonical bundle must not
	assert.NotEqual(t, first.PacketID, second.PacketID)
	a, err := domain.CanonicalBytes(first.ProofBundle)
	require.NoError(t, err)
	b, err := domain.CanonicalBytes(second.ProofBundle)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b), "proof bundles must be byte-identical")
}

func TestPacketSignAndVerify(t *testing.T) {
	chain := newTestChain(t)
	mustAppendFact(t, chain, t0.Add(time.Second), hrSalaryFact("95000"))
	engine := NewEngine(chain, zap.NewNop())

	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	engine.SetSigningKey(kp, "engine-key-1")

	packet, err := engine.ProcessRFA(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotNil(t, packet.Signature)
	assert.Equal(t, signing.Algorithm, packet.Signature.Algorithm)

	ok, err := VerifyProofPacket(packet, packet.Signature.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)

	// tampering with the bundle flips verification to false, not an error
	packet.ProofBundle["graph_id"] = "tampered"
	ok, err = VerifyProofPacket(packet, packet.Signature.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// malformed key encodings raise
	_, err = VerifyProofPacket(packet, "not base64 at all!!!")
	require.Error(t, err)
}

func TestCommitPathsAndGenesisGuard(t *testing.T) {
	chain := store.NewMemoryChain("g2")
	engine := NewEngine(chain, zap.NewNop())

	// commits before genesis fail
	_, err := engine.CommitFact(context.Background(), t0, hrSalaryFact("95000"), domain.Proof{})
	assert.Equal(t, domain.CodeIntegrityFail, domain.CodeOf(err))

	_, err = engine.InitGenesis(context.Background(), t0, "graph two")
	require.NoError(t, err)
	_, err = engine.InitGenesis(context.Background(), t0, "graph two again")
	assert.Equal(t, domain.CodeIntegrityFail, domain.CodeOf(err))

	fact := hrSalaryFact("95000")
	fact.Namespace = "corp.hr"
	cell, err := engine.CommitFact(context.Background(), t0.Add(time.Second), fact, domain.Proof{})
	require.NoError(t, err)
	assert.NotEmpty(t, cell.CellID)

	ws := domain.WitnessSetPayload{
		Namespace: "corp.hr",
		Witnesses: []domain.Witness{{WitnessID: "w1", PublicKeyB64: "a"}},
		Threshold: 1,
	}
	_, err = engine.CommitWitnessSet(context.Background(), t0.Add(2*time.Second), ws, domain.Proof{})
	require.NoError(t, err)

	n, err := chain.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// recordingArchive keeps one row per sequence number and counts attempts to
// reuse a position, mimicking the insert-only Postgres mirror.
type recordingArchive struct {
	mu         sync.Mutex
	rows       map[int]string
	collisions int
}

func newRecordingArchive() *recordingArchive {
	return &recordingArchive{rows: make(map[int]string)}
}

func (a *recordingArchive) SaveCell(_ context.Context, seq int, cell *domain.Cell) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.rows[seq]; taken {
		a.collisions++
		return nil
	}
	a.rows[seq] = cell.CellID
	return nil
}

func (a *recordingArchive) LoadCells(context.Context, string) ([]domain.Cell, error) {
	return nil, nil
}

func TestConcurrentCommitsMirrorAtDistinctSeqs(t *testing.T) {
	chain := store.NewMemoryChain("g-archive")
	engine := NewEngine(chain, zap.NewNop())
	archive := newRecordingArchive()
	engine.SetArchive(archive)

	_, err := engine.InitGenesis(context.Background(), t0, "archive race")
	require.NoError(t, err)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fact := hrSalaryFact(fmt.Sprintf("%d", i))
			_, err := engine.CommitFact(context.Background(), t0.Add(time.Second), fact, domain.Proof{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cells, err := chain.Cells(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, writers+1)

	// every cell lands in the archive at its chain index, exactly once
	assert.Zero(t, archive.collisions)
	require.Len(t, archive.rows, writers+1)
	for seq, cellID := range archive.rows {
		assert.Equal(t, cells[seq].CellID, cellID)
	}
}
