package switchctl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// MockSwitch is an in-memory SwitchController for tests and mock-mode
// runs, where the core operates without a real OpenFlow controller.
type MockSwitch struct {
	mu       sync.Mutex
	rules    map[string]domain.SwitchRule
	stats    map[string]domain.FlowStats
	removals []string
	onPacket ports.PacketObservationFunc
	healthy  bool
	failWith error
}

var _ ports.SwitchController = (*MockSwitch)(nil)

// NewMock returns a healthy mock with empty tables.
func NewMock() *MockSwitch {
	return &MockSwitch{
		rules:   make(map[string]domain.SwitchRule),
		stats:   make(map[string]domain.FlowStats),
		healthy: true,
	}
}

func (m *MockSwitch) InstallRule(ctx context.Context, rule domain.SwitchRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if !rule.Action.IsValid() {
		return &domain.SwitchRuleError{RuleID: rule.RuleID, Reason: fmt.Sprintf("unsupported action %q", rule.Action)}
	}
	m.rules[rule.RuleID] = rule
	return nil
}

func (m *MockSwitch) RemoveRule(ctx context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.rules[ruleID]; ok {
		delete(m.rules, ruleID)
		m.removals = append(m.removals, ruleID)
	}
	return nil
}

func (m *MockSwitch) InstalledRules(ctx context.Context) ([]domain.SwitchRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SwitchRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (m *MockSwitch) FlowStats(ctx context.Context) (map[string]domain.FlowStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make(map[string]domain.FlowStats, len(m.stats))
	for mac, s := range m.stats {
		out[mac] = s
	}
	return out, nil
}

func (m *MockSwitch) OnPacketIn(fn ports.PacketObservationFunc) {
	m.mu.Lock()
	m.onPacket = fn
	m.mu.Unlock()
}

func (m *MockSwitch) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && m.failWith == nil
}

func (m *MockSwitch) Close() error {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	return nil
}

// SetFlowStats seeds the counters returned for a MAC.
func (m *MockSwitch) SetFlowStats(mac string, stats domain.FlowStats) {
	m.mu.Lock()
	m.stats[domain.NormalizeMAC(mac)] = stats
	m.mu.Unlock()
}

// FailWith makes every operation return err until reset with nil.
func (m *MockSwitch) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// InjectPacket delivers an observation to the registered callback, as
// if the switch had mirrored a frame.
func (m *MockSwitch) InjectPacket(obs domain.PacketObservation) {
	m.mu.Lock()
	fn := m.onPacket
	m.mu.Unlock()
	if fn != nil {
		fn(obs)
	}
}

// Rule returns the installed rule for the ID, if present.
func (m *MockSwitch) Rule(ruleID string) (domain.SwitchRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	return r, ok
}

// Removals lists rule IDs removed so far, oldest first.
func (m *MockSwitch) Removals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.removals))
	copy(out, m.removals)
	return out
}
