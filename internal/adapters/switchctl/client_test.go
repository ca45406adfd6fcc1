package switchctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// fakeController fakes the ofctl REST surface and records every flow
// operation it receives.
type fakeController struct {
	mu      sync.Mutex
	dpids   []int64
	adds    []ofctlFlow
	deletes []ofctlFlow
	flows   map[int64][]ofctlFlowStat
	failAll bool

	srv *httptest.Server
}

func newFakeController(t *testing.T, dpids ...int64) *fakeController {
	t.Helper()
	f := &fakeController{dpids: dpids, flows: make(map[int64][]ofctlFlowStat)}

	mux := http.NewServeMux()
	mux.HandleFunc(switchesPath, f.handleSwitches)
	mux.HandleFunc(addFlowPath, func(w http.ResponseWriter, r *http.Request) { f.handleFlowOp(w, r, &f.adds) })
	mux.HandleFunc(deleteFlowPath, func(w http.ResponseWriter, r *http.Request) { f.handleFlowOp(w, r, &f.deletes) })
	mux.HandleFunc("/stats/flow/", f.handleFlowStats)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeController) handleSwitches(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(f.dpids)
}

func (f *fakeController) handleFlowOp(w http.ResponseWriter, r *http.Request, sink *[]ofctlFlow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var flow ofctlFlow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if flow.Priority < 0 {
		http.Error(w, "bad priority", http.StatusBadRequest)
		return
	}
	*sink = append(*sink, flow)
}

func (f *fakeController) handleFlowStats(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var dpid int64
	fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/stats/flow/"), "%d", &dpid)
	json.NewEncoder(w).Encode(map[string][]ofctlFlowStat{
		fmt.Sprintf("%d", dpid): f.flows[dpid],
	})
}

func (f *fakeController) setFailAll(v bool) {
	f.mu.Lock()
	f.failAll = v
	f.mu.Unlock()
}

func (f *fakeController) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adds)
}

func (f *fakeController) lastAdds(n int) []ofctlFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ofctlFlow, 0, n)
	out = append(out, f.adds[len(f.adds)-n:]...)
	return out
}

func (f *fakeController) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func newTestClient(t *testing.T, f *fakeController, tweak func(*Config)) *OFClient {
	t.Helper()
	cfg := Config{
		BaseURL:        f.srv.URL,
		HoneypotPort:   7,
		RequestTimeout: 2 * time.Second,
		MaxQueue:       100,
		MaxDisconnect:  10 * time.Second,
		ProbeInterval:  20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInstallRuleTranslation(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	t.Run("Monitor mirrors to the controller", func(t *testing.T) {
		rule := domain.ObserveRule("dev-1", "AA:BB:CC:00:00:01")
		require.NoError(t, c.InstallRule(ctx, rule))

		require.Equal(t, 1, f.addCount())
		flow := f.lastAdds(1)[0]
		assert.Equal(t, int64(1), flow.Dpid)
		assert.Equal(t, domain.PriorityDeviceAllow, flow.Priority)
		assert.Equal(t, "aa:bb:cc:00:00:01", flow.Match["eth_src"])
		require.Len(t, flow.Actions, 2)
		assert.Equal(t, "NORMAL", flow.Actions[0].Port)
		assert.Equal(t, "CONTROLLER", flow.Actions[1].Port)
	})

	t.Run("Redirect outputs to the honeypot port", func(t *testing.T) {
		rule := domain.RedirectAllRule("dev-1", "aa:bb:cc:00:00:01")
		require.NoError(t, c.InstallRule(ctx, rule))

		flow := f.lastAdds(1)[0]
		require.Len(t, flow.Actions, 1)
		assert.EqualValues(t, 7, flow.Actions[0].Port)
	})

	t.Run("Deny sends an empty action list", func(t *testing.T) {
		rule := domain.QuarantineRule("dev-1", "aa:bb:cc:00:00:01")
		require.NoError(t, c.InstallRule(ctx, rule))

		flow := f.lastAdds(1)[0]
		assert.NotNil(t, flow.Actions)
		assert.Empty(t, flow.Actions)
		assert.Equal(t, domain.PriorityQuarantine, flow.Priority)
	})

	t.Run("Port match without protocol covers tcp and udp", func(t *testing.T) {
		before := f.addCount()
		rule := domain.SwitchRule{
			RuleID:   "dev-1-port",
			Match:    domain.RuleMatch{EthSrc: "aa:bb:cc:00:00:01", DstPort: 8883},
			Action:   domain.ActionAllow,
			Priority: domain.PriorityDeviceAllow,
		}
		require.NoError(t, c.InstallRule(ctx, rule))

		require.Equal(t, before+2, f.addCount())
		flows := f.lastAdds(2)
		assert.EqualValues(t, ipProtoTCP, flows[0].Match["ip_proto"])
		assert.EqualValues(t, 8883, flows[0].Match["tcp_dst"])
		assert.EqualValues(t, ipProtoUDP, flows[1].Match["ip_proto"])
		assert.EqualValues(t, 8883, flows[1].Match["udp_dst"])
		assert.EqualValues(t, ethTypeIPv4, flows[0].Match["eth_type"])
	})
}

func TestInstallFansOutToAllSwitches(t *testing.T) {
	f := newFakeController(t, 1, 2)
	c := newTestClient(t, f, nil)

	rule := domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:02")
	require.NoError(t, c.InstallRule(context.Background(), rule))

	require.Equal(t, 2, f.addCount())
	flows := f.lastAdds(2)
	assert.Equal(t, int64(1), flows[0].Dpid)
	assert.Equal(t, int64(2), flows[1].Dpid)
}

func TestInstallIdempotentPerRuleID(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	rule := domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:03")
	require.NoError(t, c.InstallRule(ctx, rule))
	require.NoError(t, c.InstallRule(ctx, rule))
	assert.Equal(t, 1, f.addCount(), "identical reinstall is a no-op")

	// Same ID with a different priority replaces the old entry.
	changed := rule
	changed.Priority = domain.PriorityDeny
	require.NoError(t, c.InstallRule(ctx, changed))
	assert.Equal(t, 2, f.addCount())
	assert.Equal(t, 1, f.deleteCount(), "previous flow is removed first")

	rules, err := c.InstalledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, domain.PriorityDeny, rules[0].Priority)
}

func TestRemoveRule(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	rule := domain.RedirectAllRule("dev-1", "aa:bb:cc:00:00:04")
	require.NoError(t, c.InstallRule(ctx, rule))
	require.NoError(t, c.RemoveRule(ctx, rule.RuleID))

	assert.Equal(t, 1, f.deleteCount())
	rules, err := c.InstalledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	t.Run("Unknown ID is a no-op", func(t *testing.T) {
		require.NoError(t, c.RemoveRule(ctx, "never-installed"))
		assert.Equal(t, 1, f.deleteCount())
	})
}

func TestOutageQueuesAndFlushes(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	f.setFailAll(true)
	rule := domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:05")
	require.NoError(t, c.InstallRule(ctx, rule), "a transient outage absorbs the install")
	assert.Equal(t, 0, f.addCount())
	assert.False(t, c.Healthy())

	f.setFailAll(false)
	assert.Eventually(t, func() bool {
		return f.addCount() == 1 && c.Healthy()
	}, 2*time.Second, 10*time.Millisecond, "queued install flushes on recovery")
}

func TestRemovalQueuedDuringOutage(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	rule := domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:06")
	require.NoError(t, c.InstallRule(ctx, rule))

	f.setFailAll(true)
	require.NoError(t, c.RemoveRule(ctx, rule.RuleID))
	assert.Equal(t, 0, f.deleteCount())

	f.setFailAll(false)
	assert.Eventually(t, func() bool {
		return f.deleteCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "stale entry is removed on recovery")
}

func TestUnavailableAfterTolerance(t *testing.T) {
	f := newFakeController(t, 1)
	f.setFailAll(true)

	c := newTestClient(t, f, func(cfg *Config) {
		cfg.MaxDisconnect = 30 * time.Millisecond
		cfg.ProbeInterval = 10 * time.Millisecond
	})
	time.Sleep(60 * time.Millisecond)

	err := c.InstallRule(context.Background(), domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:07"))
	assert.ErrorIs(t, err, domain.ErrSwitchUnavailable)
}

func TestQueueOverflow(t *testing.T) {
	f := newFakeController(t, 1)
	f.setFailAll(true)

	c := newTestClient(t, f, func(cfg *Config) {
		cfg.MaxQueue = 2
		cfg.ProbeInterval = time.Hour // keep the outage stable
	})
	ctx := context.Background()

	require.NoError(t, c.InstallRule(ctx, domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:08")))
	require.NoError(t, c.InstallRule(ctx, domain.DenyAllRule("dev-2", "aa:bb:cc:00:00:09")))

	err := c.InstallRule(ctx, domain.DenyAllRule("dev-3", "aa:bb:cc:00:00:0a"))
	assert.ErrorIs(t, err, domain.ErrSwitchUnavailable)
}

func TestInstallRejectedByController(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)

	rule := domain.DenyAllRule("dev-1", "aa:bb:cc:00:00:0b")
	rule.Priority = -1 // the fake rejects negative priorities with 400

	err := c.InstallRule(context.Background(), rule)
	var ruleErr *domain.SwitchRuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, rule.RuleID, ruleErr.RuleID)

	rules, err := c.InstalledRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules, "rejected rules do not linger as desired state")
}

func TestPostFlowErrorClassification(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	f.setFailAll(true)
	err := c.postFlow(ctx, addFlowPath, ofctlFlow{Dpid: 1, Priority: 1})
	assert.True(t, domain.IsTransient(err), "5xx replies go back to the queue")

	f.setFailAll(false)
	err = c.postFlow(ctx, addFlowPath, ofctlFlow{Dpid: 1, Priority: -1})
	assert.False(t, domain.IsTransient(err), "controller rejections are final")
}

func TestFlowStatsAggregation(t *testing.T) {
	f := newFakeController(t, 1, 2)
	f.flows[1] = []ofctlFlowStat{
		{
			Match:       map[string]interface{}{"eth_src": "aa:bb:cc:00:00:0c", "eth_type": float64(ethTypeIPv4), "ipv4_dst": "10.0.0.5"},
			PacketCount: 100, ByteCount: 10000, DurationSec: 30,
		},
		{
			Match:       map[string]interface{}{"eth_src": "aa:bb:cc:00:00:0c", "ip_proto": float64(ipProtoTCP), "tcp_dst": float64(443)},
			PacketCount: 50, ByteCount: 5000, DurationSec: 60,
		},
		{
			// No eth_src: table-miss row, not attributable to a device.
			Match:       map[string]interface{}{"ipv4_dst": "10.0.0.9"},
			PacketCount: 999,
		},
	}
	f.flows[2] = []ofctlFlowStat{
		{
			Match:       map[string]interface{}{"eth_src": "AA:BB:CC:00:00:0C", "ipv4_dst": "10.0.0.6"},
			PacketCount: 25, ByteCount: 2500, DurationSec: 10,
		},
		{
			Match:       map[string]interface{}{"eth_src": "aa:bb:cc:00:00:0d", "ip_proto": float64(ipProtoUDP), "udp_dst": float64(53)},
			PacketCount: 5, ByteCount: 500, DurationSec: 5,
		},
	}

	c := newTestClient(t, f, nil)
	stats, err := c.FlowStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)

	got := stats["aa:bb:cc:00:00:0c"]
	assert.EqualValues(t, 175, got.Packets, "counters sum across switches, MAC case-insensitive")
	assert.EqualValues(t, 17500, got.Bytes)
	assert.Equal(t, 2, got.UniqueDstIPs)
	assert.Equal(t, 1, got.UniqueDstPorts)
	assert.Equal(t, []string{"tcp"}, got.Protocols)
	assert.Equal(t, 60.0, got.WindowSeconds, "longest flow lifetime wins")

	other := stats["aa:bb:cc:00:00:0d"]
	assert.EqualValues(t, 5, other.Packets)
	assert.Equal(t, []string{"udp"}, other.Protocols)
}

func TestFlowStatsUnavailable(t *testing.T) {
	f := newFakeController(t, 1)
	c := newTestClient(t, f, nil)

	f.setFailAll(true)
	_, err := c.FlowStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrSwitchUnavailable)
	assert.False(t, c.Healthy())
}

func TestFlowsForRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		rule domain.SwitchRule
	}{
		{"unknown action", domain.SwitchRule{RuleID: "r1", Action: domain.RuleAction("explode")}},
		{"icmp with port", domain.SwitchRule{
			RuleID: "r2", Action: domain.ActionAllow,
			Match: domain.RuleMatch{Protocol: "icmp", DstPort: 80},
		}},
		{"unknown protocol", domain.SwitchRule{
			RuleID: "r3", Action: domain.ActionAllow,
			Match: domain.RuleMatch{Protocol: "sctp"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := flowsFor(tc.rule, 7)
			var ruleErr *domain.SwitchRuleError
			assert.ErrorAs(t, err, &ruleErr)
		})
	}
}

func TestRedirectWithoutHoneypotPort(t *testing.T) {
	_, err := flowsFor(domain.RedirectAllRule("dev-1", "aa:bb:cc:00:00:0e"), 0)
	var ruleErr *domain.SwitchRuleError
	assert.ErrorAs(t, err, &ruleErr)
}
