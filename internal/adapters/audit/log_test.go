package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func record(deviceID string, decision domain.Decision, at time.Time) domain.DecisionRecord {
	return domain.DecisionRecord{
		CorrelationID: fmt.Sprintf("corr-%s-%d", deviceID, at.UnixNano()),
		Timestamp:     at,
		DeviceID:      deviceID,
		Trust:         70,
		Decision:      decision,
		Reason:        "test",
	}
}

func TestRecordAndListOldestFirst(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionAllow, base)))
	require.NoError(t, l.RecordDecision(ctx, record("dev-b", domain.DecisionDeny, base.Add(time.Minute))))
	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionRedirect, base.Add(2*time.Minute))))

	got, err := l.ListDecisions(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.DecisionAllow, got[0].Decision)
	assert.Equal(t, domain.DecisionDeny, got[1].Decision)
	assert.Equal(t, domain.DecisionRedirect, got[2].Decision)
	assert.Equal(t, base.UnixNano(), got[0].Timestamp.UnixNano())
}

func TestListDecisionsSinceFilter(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionAllow, base)))
	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionDeny, base.Add(10*time.Minute))))

	got, err := l.ListDecisions(ctx, base.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.DecisionDeny, got[0].Decision)

	got, err = l.ListDecisions(ctx, base.Add(10*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "since is inclusive")
}

func TestListDecisionsLimit(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionAllow, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := l.ListDecisions(ctx, time.Time{}, 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestLatestPerDevice(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionAllow, base)))
	require.NoError(t, l.RecordDecision(ctx, record("dev-a", domain.DecisionQuarantine, base.Add(time.Minute))))
	require.NoError(t, l.RecordDecision(ctx, record("dev-b", domain.DecisionRedirect, base.Add(2*time.Minute))))

	latest, err := l.LatestPerDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.Decision{
		"dev-a": domain.DecisionQuarantine,
		"dev-b": domain.DecisionRedirect,
	}, latest)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	first, err := New(path)
	require.NoError(t, err)

	rec := record("dev-a", domain.DecisionDeny, time.Now().UTC())
	rec.ThreatLevel = domain.SeverityHigh
	rec.PrevDecision = domain.DecisionAllow
	require.NoError(t, first.RecordDecision(context.Background(), rec))
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.ListDecisions(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.CorrelationID, got[0].CorrelationID)
	assert.Equal(t, domain.SeverityHigh, got[0].ThreatLevel)
	assert.Equal(t, domain.DecisionAllow, got[0].PrevDecision)
}

func TestEmptyLog(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	got, err := l.ListDecisions(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	latest, err := l.LatestPerDevice(ctx)
	require.NoError(t, err)
	assert.Empty(t, latest)
}
