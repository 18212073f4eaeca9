package skills

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

type skillsFixture struct {
	store  *store.Store
	events *eventstore.EventStore
	svc    *Service
	now    time.Time
}

func newSkillsFixture(t *testing.T) *skillsFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	f := &skillsFixture{store: st, now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(st).WithClock(clock)
	f.svc = NewService(st, f.events, projector.Default()).WithClock(clock)
	return f
}

func expectReason(t *testing.T, err error, reason string) {
	t.Helper()
	ce, ok := contracts.AsError(err)
	require.True(t, ok, "expected a reason-coded error, got %v", err)
	assert.Equal(t, reason, ce.ReasonCode)
}

func TestImportValidation(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()

	_, err := f.svc.Import(ctx, "ws", "agent-1", nil, "c1")
	expectReason(t, err, contracts.ReasonMissingRequiredField)

	_, err = f.svc.Import(ctx, "ws", "agent-1", []ImportItem{{SkillName: "search"}}, "c1")
	expectReason(t, err, contracts.ReasonMissingRequiredField)

	_, err = f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "search", Version: "not-semver"}}, "c1")
	expectReason(t, err, contracts.ReasonMissingRequiredField)
}

func TestImportBatchOutcomes(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()
	manifest := json.RawMessage(validManifest)

	result, err := f.svc.Import(ctx, "ws", "agent-1", []ImportItem{
		{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest, Signature: "sig"},
		{SkillName: "summarize", Version: "0.2.0", Hash: validHash, Manifest: manifest},
		{SkillName: "exfil", Version: "1.0.0", Hash: "bogus", Manifest: manifest, Signature: "sig"},
	}, "c1")
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.Equal(t, 3, result.Summary.Total)
	assert.Equal(t, 1, result.Summary.Verified)
	assert.Equal(t, 1, result.Summary.Pending)
	assert.Equal(t, 1, result.Summary.Quarantined)

	byName := map[string]ImportResultItem{}
	for _, item := range result.Items {
		byName[item.SkillName] = item
	}
	assert.Equal(t, StatusVerified, byName["search"].Status)
	assert.Equal(t, StatusPending, byName["summarize"].Status)
	assert.Equal(t, StatusQuarantined, byName["exfil"].Status)
	assert.Equal(t, ReasonInvalidHash, byName["exfil"].Reason)

	// Every imported package creates an agent-skill row.
	list, err := f.svc.ListAgentSkills(ctx, "ws", "agent-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestImportMergeOnlyMovesUp(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()
	manifest := json.RawMessage(validManifest)

	_, err := f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest}}, "c1")
	require.NoError(t, err)

	// A signed re-import lifts pending to verified.
	result, err := f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest, Signature: "sig"}}, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Items[0].Status)

	// A later unsigned re-import cannot pull it back down.
	result, err = f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest}}, "c3")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Items[0].Status)

	pkg, err := f.svc.GetPackage(ctx, "ws", "search", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, pkg.Status)
}

func TestImportQuarantineIsSticky(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()

	_, err := f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "exfil", Version: "1.0.0", Hash: "bogus"}}, "c1")
	require.NoError(t, err)

	// A clean re-import of a quarantined package keeps the stored verdict
	// and reason.
	result, err := f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "exfil", Version: "1.0.0", Hash: validHash,
			Manifest: json.RawMessage(validManifest), Signature: "sig"}}, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusQuarantined, result.Items[0].Status)
	assert.Equal(t, ReasonInvalidHash, result.Items[0].Reason)
}

func TestReviewPendingResolvesEveryPackage(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()
	manifest := json.RawMessage(validManifest)

	_, err := f.svc.Import(ctx, "ws", "agent-1",
		[]ImportItem{{SkillName: "summarize", Version: "0.2.0", Hash: validHash, Manifest: manifest}}, "c1")
	require.NoError(t, err)

	// A pending package that somehow carries a signature verifies; the
	// unsigned one quarantines. Pending is never a resting state here.
	err = f.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO skill_packages (package_id, workspace_id, skill_name, version,
				hash, signature, manifest, status, created_at, updated_at)
			VALUES ('pk-signed', 'ws', 'translate', '1.1.0', $1, 'sig', $2, 'pending', $3, $3)`,
			validHash, string(manifest), f.now)
		return err
	})
	require.NoError(t, err)

	outcomes, err := f.svc.ReviewPending(ctx, "ws", "agent-1", "c2")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byName := map[string]ReviewOutcome{}
	for _, o := range outcomes {
		byName[o.SkillName] = o
	}
	assert.Equal(t, StatusQuarantined, byName["summarize"].Status)
	assert.Equal(t, ReasonVerifySignatureRequired, byName["summarize"].Reason)
	assert.Equal(t, StatusVerified, byName["translate"].Status)

	// Nothing pending remains.
	again, err := f.svc.ReviewPending(ctx, "ws", "agent-1", "c3")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAssessImportedAndSetPrimary(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()
	manifest := json.RawMessage(validManifest)

	_, err := f.svc.Import(ctx, "ws", "agent-1", []ImportItem{
		{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest, Signature: "sig"},
		{SkillName: "summarize", Version: "0.2.0", Hash: validHash, Manifest: manifest, Signature: "sig"},
	}, "c1")
	require.NoError(t, err)

	_, err = f.svc.SetPrimary(ctx, "ws", "agent-1", "c2")
	expectReason(t, err, contracts.ReasonNotFound)

	assessed, err := f.svc.AssessImported(ctx, "ws", "agent-1", false)
	require.NoError(t, err)
	require.Len(t, assessed, 2)
	for _, a := range assessed {
		assert.NotEmpty(t, a.AssessmentID)
		assert.False(t, a.Skipped)
	}

	// With only_unassessed, the second pass skips everything.
	skipped, err := f.svc.AssessImported(ctx, "ws", "agent-1", true)
	require.NoError(t, err)
	for _, a := range skipped {
		assert.True(t, a.Skipped)
	}

	// Usage decides the primary.
	require.NoError(t, f.svc.RecordUsage(ctx, "ws", "agent-1", "summarize"))
	require.NoError(t, f.svc.RecordUsage(ctx, "ws", "agent-1", "summarize"))
	require.NoError(t, f.svc.RecordUsage(ctx, "ws", "agent-1", "search"))

	primary, err := f.svc.SetPrimary(ctx, "ws", "agent-1", "c3")
	require.NoError(t, err)
	assert.Equal(t, "summarize", primary.SkillName)
	assert.True(t, primary.IsPrimary)

	// Shifting usage flips the primary; the old one is cleared.
	require.NoError(t, f.svc.RecordUsage(ctx, "ws", "agent-1", "search"))
	require.NoError(t, f.svc.RecordUsage(ctx, "ws", "agent-1", "search"))
	primary, err = f.svc.SetPrimary(ctx, "ws", "agent-1", "c4")
	require.NoError(t, err)
	assert.Equal(t, "search", primary.SkillName)

	list, err := f.svc.ListAgentSkills(ctx, "ws", "agent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "search", list[0].SkillName, "primary sorts first")
	assert.False(t, list[1].IsPrimary)
}

func TestRecordUsageUnknownSkill(t *testing.T) {
	f := newSkillsFixture(t)
	err := f.svc.RecordUsage(context.Background(), "ws", "agent-1", "ghost")
	expectReason(t, err, contracts.ReasonNotFound)
}

func TestCertifyImportedComposes(t *testing.T) {
	f := newSkillsFixture(t)
	ctx := context.Background()
	manifest := json.RawMessage(validManifest)

	// One verified (assessable right away) plus one pending that will
	// quarantine under review.
	_, err := f.svc.Import(ctx, "ws", "agent-1", []ImportItem{
		{SkillName: "search", Version: "1.0.0", Hash: validHash, Manifest: manifest, Signature: "sig"},
		{SkillName: "summarize", Version: "0.2.0", Hash: validHash, Manifest: manifest},
	}, "c1")
	require.NoError(t, err)

	result, err := f.svc.CertifyImported(ctx, "ws", "agent-1", false, "c2")
	require.NoError(t, err)
	require.Len(t, result.Reviewed, 1)
	assert.Equal(t, StatusQuarantined, result.Reviewed[0].Status)
	require.Len(t, result.Assessed, 1)
	assert.Equal(t, "search", result.Assessed[0].SkillName)
}
