// Package switchctl programs OpenFlow switches through an ofctl-style
// REST controller and mirrors packet-in frames back into the core over
// a websocket subscription.
package switchctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// Defaults applied by New when Config fields are zero.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxQueue       = 1000
	DefaultMaxDisconnect  = 60 * time.Second
	DefaultProbeInterval  = 5 * time.Second
)

// Config wires the client to the controller.
type Config struct {
	// BaseURL is the ofctl REST root, e.g. http://127.0.0.1:8080.
	BaseURL string
	// PacketInURL is the websocket packet-in endpoint. Empty disables
	// packet observation.
	PacketInURL string
	// DPIDs pins the switch set. Empty discovers it from the
	// controller's switches endpoint.
	DPIDs []int64
	// HoneypotPort is the switch port redirected traffic is sent to.
	HoneypotPort int
	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration
	// MaxQueue bounds rule operations held during a controller outage.
	MaxQueue int
	// MaxDisconnect is how long an outage is absorbed before operations
	// surface ErrSwitchUnavailable.
	MaxDisconnect time.Duration
	// ProbeInterval is the health probe cadence.
	ProbeInterval time.Duration
}

type ruleEntry struct {
	rule  domain.SwitchRule
	flows []ofctlFlow
}

// OFClient implements ports.SwitchController against ofctl REST
// endpoints. It holds the desired rule set and reconciles the switch
// toward it: transient controller failures park operations in the dirty
// set, which the health loop flushes on recovery.
type OFClient struct {
	cfg  Config
	http *http.Client

	mu        sync.Mutex
	dpids     []int64
	desired   map[string]ruleEntry
	confirmed map[string]ruleEntry
	dirty     map[string]struct{}
	healthy   bool
	downSince time.Time
	onPacket  ports.PacketObservationFunc
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.SwitchController = (*OFClient)(nil)

// New builds the client and starts its health and packet-in loops. An
// unreachable controller is not an error here: operations queue until
// the outage tolerance runs out.
func New(cfg Config) (*OFClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("switchctl: base URL required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.MaxDisconnect <= 0 {
		cfg.MaxDisconnect = DefaultMaxDisconnect
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &OFClient{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		dpids:     append([]int64(nil), cfg.DPIDs...),
		desired:   make(map[string]ruleEntry),
		confirmed: make(map[string]ruleEntry),
		dirty:     make(map[string]struct{}),
		cancel:    cancel,
	}

	if err := c.refreshSwitches(ctx); err != nil {
		slog.Warn("Switch controller unreachable at startup", "url", cfg.BaseURL, "error", err)
		c.markDown()
	} else {
		c.healthy = true
	}

	c.wg.Add(1)
	go c.healthLoop(ctx)

	if cfg.PacketInURL != "" {
		c.wg.Add(1)
		go c.observePackets(ctx)
	}
	return c, nil
}

// InstallRule records the rule as desired and pushes it to every
// switch. During an outage within tolerance the rule is queued and nil
// is returned; past tolerance or queue capacity the caller gets
// ErrSwitchUnavailable and must fail closed.
func (c *OFClient) InstallRule(ctx context.Context, rule domain.SwitchRule) error {
	flows, err := flowsFor(rule, c.cfg.HoneypotPort)
	if err != nil {
		telemetry.RuleInstalls.WithLabelValues("rejected").Inc()
		return err
	}
	entry := ruleEntry{rule: rule, flows: flows}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("switchctl closed: %w", domain.ErrSwitchUnavailable)
	}

	if prev, ok := c.confirmed[rule.RuleID]; ok && reflect.DeepEqual(prev.flows, entry.flows) {
		c.desired[rule.RuleID] = entry
		delete(c.dirty, rule.RuleID)
		c.mu.Unlock()
		telemetry.RuleInstalls.WithLabelValues("noop").Inc()
		return nil
	}

	if !c.healthy {
		err := c.enqueueLocked(rule.RuleID, entry)
		c.mu.Unlock()
		if err != nil {
			telemetry.RuleInstalls.WithLabelValues("failed").Inc()
			return err
		}
		telemetry.RuleInstalls.WithLabelValues("queued").Inc()
		return nil
	}

	prev, hadPrev := c.confirmed[rule.RuleID]
	c.desired[rule.RuleID] = entry
	c.dirty[rule.RuleID] = struct{}{}
	dpids := c.dpidsLocked()
	c.mu.Unlock()

	if hadPrev {
		if err := c.deleteFlows(ctx, dpids, prev.flows); err != nil {
			return c.installFailed(ctx, rule.RuleID, err)
		}
	}
	if err := c.addFlows(ctx, dpids, entry.flows); err != nil {
		return c.installFailed(ctx, rule.RuleID, err)
	}

	c.mu.Lock()
	c.confirmed[rule.RuleID] = entry
	delete(c.dirty, rule.RuleID)
	c.mu.Unlock()

	telemetry.RuleInstalls.WithLabelValues("ok").Inc()
	slog.Debug("Switch rule installed", "rule", rule.RuleID, "action", rule.Action, "priority", rule.Priority)
	return nil
}

// RemoveRule deletes the rule's flow entries. Unknown IDs are a no-op.
func (c *OFClient) RemoveRule(ctx context.Context, ruleID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("switchctl closed: %w", domain.ErrSwitchUnavailable)
	}

	_, wasDesired := c.desired[ruleID]
	confirmedEntry, wasConfirmed := c.confirmed[ruleID]
	if !wasDesired && !wasConfirmed {
		c.mu.Unlock()
		return nil
	}
	delete(c.desired, ruleID)

	if !wasConfirmed {
		// Never reached the switch; dropping the queued install is enough.
		delete(c.dirty, ruleID)
		c.mu.Unlock()
		return nil
	}

	if !c.healthy {
		// Removals always queue: dropping one would leave a stale
		// permissive entry on the switch. Past tolerance the caller is
		// still told enforcement is not happening.
		c.dirty[ruleID] = struct{}{}
		var err error
		if since := time.Since(c.downSince); since > c.cfg.MaxDisconnect {
			err = fmt.Errorf("controller down for %s: %w", since.Round(time.Second), domain.ErrSwitchUnavailable)
		}
		c.mu.Unlock()
		return err
	}
	c.dirty[ruleID] = struct{}{}
	dpids := c.dpidsLocked()
	c.mu.Unlock()

	if err := c.deleteFlows(ctx, dpids, confirmedEntry.flows); err != nil {
		c.markDown()
		slog.Warn("Switch rule removal queued", "rule", ruleID, "error", err)
		return nil
	}

	c.mu.Lock()
	delete(c.confirmed, ruleID)
	delete(c.dirty, ruleID)
	c.mu.Unlock()
	slog.Debug("Switch rule removed", "rule", ruleID)
	return nil
}

// InstalledRules returns the desired rule set, sorted by rule ID.
func (c *OFClient) InstalledRules(ctx context.Context) ([]domain.SwitchRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SwitchRule, 0, len(c.desired))
	for _, entry := range c.desired {
		out = append(out, entry.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

// FlowStats polls every switch and aggregates counters per source MAC.
func (c *OFClient) FlowStats(ctx context.Context) (map[string]domain.FlowStats, error) {
	c.mu.Lock()
	dpids := c.dpidsLocked()
	c.mu.Unlock()

	rowsByDpid := make(map[int64][]ofctlFlowStat, len(dpids))
	for _, dpid := range dpids {
		rows, err := c.fetchFlowStats(ctx, dpid)
		if err != nil {
			c.markDown()
			return nil, fmt.Errorf("flow stats for switch %d: %v: %w", dpid, err, domain.ErrSwitchUnavailable)
		}
		rowsByDpid[dpid] = rows
	}
	return aggregateStats(rowsByDpid), nil
}

// OnPacketIn registers the packet observation callback.
func (c *OFClient) OnPacketIn(fn ports.PacketObservationFunc) {
	c.mu.Lock()
	c.onPacket = fn
	c.mu.Unlock()
}

// Healthy reports whether the controller answered the last probe.
func (c *OFClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Close stops the health and packet-in loops.
func (c *OFClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.http.CloseIdleConnections()
	return nil
}

// enqueueLocked parks an install for the recovery flush, enforcing the
// outage tolerance and queue bound. Callers hold c.mu.
func (c *OFClient) enqueueLocked(ruleID string, entry ruleEntry) error {
	if since := time.Since(c.downSince); since > c.cfg.MaxDisconnect {
		return fmt.Errorf("controller down for %s: %w", since.Round(time.Second), domain.ErrSwitchUnavailable)
	}
	if _, already := c.dirty[ruleID]; !already && len(c.dirty) >= c.cfg.MaxQueue {
		return fmt.Errorf("operation queue full (%d): %w", c.cfg.MaxQueue, domain.ErrSwitchUnavailable)
	}
	c.desired[ruleID] = entry
	c.dirty[ruleID] = struct{}{}
	return nil
}

// installFailed classifies an install error: transient transport
// failures queue for the recovery flush, anything else rolls the
// desired state back and surfaces as a rule rejection.
func (c *OFClient) installFailed(ctx context.Context, ruleID string, err error) error {
	var ruleErr *domain.SwitchRuleError
	if !domain.IsTransient(err) {
		ruleErr = &domain.SwitchRuleError{RuleID: ruleID, Reason: err.Error()}
	}

	c.mu.Lock()
	if ruleErr != nil {
		if prev, ok := c.confirmed[ruleID]; ok {
			c.desired[ruleID] = prev
		} else {
			delete(c.desired, ruleID)
		}
		delete(c.dirty, ruleID)
		c.mu.Unlock()
		telemetry.RuleInstalls.WithLabelValues("rejected").Inc()
		return ruleErr
	}
	c.mu.Unlock()

	c.markDown()
	telemetry.RuleInstalls.WithLabelValues("queued").Inc()
	slog.Warn("Switch rule install queued", "rule", ruleID, "error", err)
	return nil
}

func (c *OFClient) markDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy || c.downSince.IsZero() {
		c.healthy = false
		c.downSince = time.Now()
		slog.Warn("Switch controller marked down")
	}
}

func (c *OFClient) dpidsLocked() []int64 {
	out := make([]int64, len(c.dpids))
	copy(out, c.dpids)
	return out
}

// healthLoop probes the controller and reconciles queued operations
// once it answers again.
func (c *OFClient) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.refreshSwitches(ctx)

		c.mu.Lock()
		wasHealthy := c.healthy
		if err != nil {
			if wasHealthy || c.downSince.IsZero() {
				c.healthy = false
				c.downSince = time.Now()
			}
			c.mu.Unlock()
			if wasHealthy {
				slog.Warn("Switch controller probe failed", "error", err)
			}
			continue
		}
		c.healthy = true
		c.downSince = time.Time{}
		pending := len(c.dirty)
		c.mu.Unlock()

		if !wasHealthy {
			slog.Info("Switch controller recovered", "pending_operations", pending)
		}
		if pending > 0 {
			c.reconcile(ctx)
		}
	}
}

// reconcile pushes every dirty rule toward its desired state. It stops
// at the first transport failure and leaves the rest queued.
func (c *OFClient) reconcile(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	dpids := c.dpidsLocked()
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		want, wanted := c.desired[id]
		have, had := c.confirmed[id]
		c.mu.Unlock()

		if had {
			if wanted && reflect.DeepEqual(have.flows, want.flows) {
				c.mu.Lock()
				delete(c.dirty, id)
				c.mu.Unlock()
				continue
			}
			if err := c.deleteFlows(ctx, dpids, have.flows); err != nil {
				c.markDown()
				return
			}
			c.mu.Lock()
			delete(c.confirmed, id)
			c.mu.Unlock()
		}
		if wanted {
			if err := c.addFlows(ctx, dpids, want.flows); err != nil {
				if !domain.IsTransient(err) {
					// The switch will never take this rule; drop it.
					c.mu.Lock()
					delete(c.desired, id)
					delete(c.dirty, id)
					c.mu.Unlock()
					telemetry.RuleInstalls.WithLabelValues("rejected").Inc()
					slog.Error("Queued switch rule rejected on flush", "rule", id, "error", err)
					continue
				}
				c.markDown()
				return
			}
			c.mu.Lock()
			c.confirmed[id] = want
			c.mu.Unlock()
			telemetry.RuleInstalls.WithLabelValues("ok").Inc()
		}
		c.mu.Lock()
		delete(c.dirty, id)
		c.mu.Unlock()
	}
	slog.Info("Switch rule queue flushed")
}

// refreshSwitches doubles as health probe and dpid discovery.
func (c *OFClient) refreshSwitches(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+switchesPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var dpids []int64
	if err := json.NewDecoder(resp.Body).Decode(&dpids); err != nil {
		return fmt.Errorf("decode switches: %w", err)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })

	c.mu.Lock()
	if len(c.cfg.DPIDs) == 0 {
		c.dpids = dpids
	}
	c.mu.Unlock()
	return nil
}

func (c *OFClient) addFlows(ctx context.Context, dpids []int64, flows []ofctlFlow) error {
	return c.pushFlows(ctx, addFlowPath, dpids, flows)
}

func (c *OFClient) deleteFlows(ctx context.Context, dpids []int64, flows []ofctlFlow) error {
	return c.pushFlows(ctx, deleteFlowPath, dpids, flows)
}

func (c *OFClient) pushFlows(ctx context.Context, path string, dpids []int64, flows []ofctlFlow) error {
	for _, dpid := range dpids {
		for _, flow := range flows {
			flow.Dpid = dpid
			if err := c.postFlow(ctx, path, flow); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *OFClient) postFlow(ctx context.Context, path string, flow ofctlFlow) error {
	body, err := json.Marshal(flow)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &rejectionError{status: resp.StatusCode, detail: string(detail)}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.TransientError{Cause: fmt.Errorf("controller returned status %d", resp.StatusCode)}
	}
	return nil
}

func (c *OFClient) fetchFlowStats(ctx context.Context, dpid int64) ([]ofctlFlowStat, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	url := c.cfg.BaseURL + fmt.Sprintf(flowStatPath, dpid)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	// The reply keys rows by the dpid as a string.
	var reply map[string][]ofctlFlowStat
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode flow stats: %w", err)
	}
	return reply[fmt.Sprintf("%d", dpid)], nil
}

// rejectionError marks a 4xx controller reply: the request is
// malformed and retrying cannot help.
type rejectionError struct {
	status int
	detail string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("controller rejected request (status %d): %s", e.status, e.detail)
}
