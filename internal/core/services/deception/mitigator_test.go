package deception

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

func TestMitigationForHighThreat(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	r.svc.HandleEvent(ctx, hpEvent("malware_exec", "203.0.113.90", time.Now().UTC()))
	r.mitigator.Apply(ctx, "203.0.113.90")

	installed := r.decisions.installed()
	require.Len(t, installed, 1)
	rule := installed[0]
	assert.Equal(t, "mit-deny-203.0.113.90", rule.RuleID)
	assert.Equal(t, domain.ActionDeny, rule.Action)
	assert.Equal(t, domain.PriorityDeny, rule.Priority)
	assert.True(t, rule.Permanent)

	persisted, err := r.store.ListMitigationRules(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, rule.RuleID, persisted[0].RuleID)
}

func TestMitigationForMediumThreat(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	r.svc.HandleEvent(ctx, hpEvent("repeated_login_attempts", "203.0.113.91", time.Now().UTC()))
	r.mitigator.Apply(ctx, "203.0.113.91")

	installed := r.decisions.installed()
	require.Len(t, installed, 1)
	assert.Equal(t, "mit-redirect-203.0.113.91", installed[0].RuleID)
	assert.Equal(t, domain.ActionRedirect, installed[0].Action)
	assert.Equal(t, domain.PriorityRedirect, installed[0].Priority)
	assert.False(t, installed[0].Permanent)
}

func TestMitigationForLowThreat(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	r.svc.HandleEvent(ctx, hpEvent("port_probe", "203.0.113.92", time.Now().UTC()))
	r.mitigator.Apply(ctx, "203.0.113.92")

	installed := r.decisions.installed()
	require.Len(t, installed, 1)
	assert.Equal(t, domain.ActionMonitor, installed[0].Action)
	assert.Equal(t, domain.PriorityMonitor, installed[0].Priority)
}

func TestMitigatorConsumesBusUpdates(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.mitigator.Start(ctx)

	r.svc.HandleEvent(ctx, hpEvent("login_success", "203.0.113.93", time.Now().UTC()))

	require.Eventually(t, func() bool {
		return len(r.decisions.installed()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "mit-deny-203.0.113.93", r.decisions.installed()[0].RuleID)
}

// A replayed log (restart re-reads the file from the start) must not
// multiply rules: the threat dedupes by IP, the rule by its ID.
func TestReplayedLogInstallsOneRule(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	at := time.Now().UTC()

	for i := 0; i < 1000; i++ {
		r.svc.HandleEvent(ctx, hpEvent("login_success", "203.0.113.94", at.Add(time.Duration(i)*time.Millisecond)))
		r.mitigator.Apply(ctx, "203.0.113.94")
	}

	threat, ok := r.svc.Threat("203.0.113.94")
	require.True(t, ok)
	assert.Equal(t, int64(1000), threat.Hits)
	assert.Equal(t, []string{"login_success"}, threat.EventKinds)

	installed := r.decisions.installed()
	require.Len(t, installed, 1)
	assert.Equal(t, "mit-deny-203.0.113.94", installed[0].RuleID)
	assert.Equal(t, 1000, r.decisions.submitCount(), "every update is offered, the decision point dedupes")

	persisted, err := r.store.ListMitigationRules(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestMitigatorEscalationAddsStrongerRule(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	r.svc.HandleEvent(ctx, hpEvent("repeated_login_attempts", "203.0.113.95", now))
	r.mitigator.Apply(ctx, "203.0.113.95")
	r.svc.HandleEvent(ctx, hpEvent("file_download", "203.0.113.95", now.Add(time.Second)))
	r.mitigator.Apply(ctx, "203.0.113.95")

	installed := r.decisions.installed()
	require.Len(t, installed, 2, "the earlier redirect stays; priority resolves the conflict")

	ids := []string{installed[0].RuleID, installed[1].RuleID}
	assert.ElementsMatch(t, []string{
		"mit-redirect-203.0.113.95",
		"mit-deny-203.0.113.95",
	}, ids)
}

func TestMitigatorSkipsUnknownThreat(t *testing.T) {
	r := newTestRig(t, Config{})
	r.mitigator.Apply(context.Background(), "203.0.113.96")
	assert.Empty(t, r.decisions.installed())
}
