// Package trust maintains per-device trust scores: an in-memory current
// view backed by the identity store's append-only ledger. Every change
// is one TrustEvent row, so the ledger replays to the current score.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// Config tunes the scorer. Zero values fall back to the domain defaults.
type Config struct {
	// Initial is the score Initialize assigns to a new device.
	Initial int
	// Thresholds are the crossing boundaries, highest first.
	Thresholds []int
	// Hysteresis is added to a boundary before an upward crossing fires.
	Hysteresis int
}

// Scorer implements ports.TrustScorer. Reads are served from memory;
// writes append to the store's ledger before memory is updated, so a
// crash never leaves the ledger behind the published score.
type Scorer struct {
	store ports.IdentityStore
	bus   ports.EventBus

	initial    int
	thresholds []int
	hysteresis int

	mu          sync.RWMutex
	scores      map[string]int
	bands       map[string]int
	lastPenalty map[string]time.Time
	locks       map[string]*sync.Mutex
}

var _ ports.TrustScorer = (*Scorer)(nil)

// New creates a scorer over the given store and bus.
func New(store ports.IdentityStore, bus ports.EventBus, cfg Config) *Scorer {
	if cfg.Initial <= 0 || cfg.Initial > domain.TrustMax {
		cfg.Initial = domain.TrustInitial
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = domain.DefaultTrustThresholds
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = domain.DefaultTrustHysteresis
	}
	thresholds := make([]int, len(cfg.Thresholds))
	copy(thresholds, cfg.Thresholds)

	return &Scorer{
		store:       store,
		bus:         bus,
		initial:     cfg.Initial,
		thresholds:  thresholds,
		hysteresis:  cfg.Hysteresis,
		scores:      make(map[string]int),
		bands:       make(map[string]int),
		lastPenalty: make(map[string]time.Time),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Initialize sets a device's score to the configured initial value and
// writes the opening ledger row. Devices already tracked, in memory or
// in the ledger, are left untouched.
func (s *Scorer) Initialize(ctx context.Context, deviceID string) error {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	_, _, err := s.load(ctx, deviceID)
	if err == nil {
		return nil
	}
	if !domain.IsNotFound(err) {
		return err
	}

	ev := domain.TrustEvent{
		DeviceID:   deviceID,
		ScoreAfter: s.initial,
		Delta:      0,
		Reason:     "initial score",
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.AppendTrustEvent(ctx, ev); err != nil {
		return fmt.Errorf("append trust event: %w", err)
	}

	s.mu.Lock()
	s.scores[deviceID] = s.initial
	s.bands[deviceID] = s.bandFor(s.initial)
	s.lastPenalty[deviceID] = ev.Timestamp
	s.mu.Unlock()

	slog.Info("Trust score initialized", "device", deviceID, "score", s.initial)
	return nil
}

// Adjust applies a signed delta, clamped to [0,100]. A zero delta is a
// no-op that returns the current score.
func (s *Scorer) Adjust(ctx context.Context, deviceID string, delta int, reason string) (int, error) {
	if delta == 0 {
		return s.Get(ctx, deviceID)
	}
	return s.apply(ctx, deviceID, delta, reason)
}

// RecordAlert applies the delta the (kind, severity) table dictates.
// Combinations outside the table leave the score unchanged.
func (s *Scorer) RecordAlert(ctx context.Context, deviceID string, kind domain.ScoreEventKind, severity domain.AlertSeverity) (int, error) {
	delta := domain.TrustDelta(kind, severity)
	if delta == 0 {
		return s.Get(ctx, deviceID)
	}
	return s.apply(ctx, deviceID, delta, fmt.Sprintf("%s (%s)", kind, severity))
}

// RecordAttestationFailure applies the fixed attestation penalty.
func (s *Scorer) RecordAttestationFailure(ctx context.Context, deviceID string, reason string) (int, error) {
	return s.apply(ctx, deviceID, domain.AttestationFailDelta, fmt.Sprintf("attestation failed: %s", reason))
}

// Get returns the current score, loading it from the ledger if the
// device is not yet in memory.
func (s *Scorer) Get(ctx context.Context, deviceID string) (int, error) {
	score, _, err := s.load(ctx, deviceID)
	return score, err
}

// AllScores snapshots every tracked device's current score.
func (s *Scorer) AllScores() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.scores))
	for id, score := range s.scores {
		out[id] = score
	}
	return out
}

// Warm restores the in-memory view from the ledger for every known
// device. Call it once at startup, before the decision services run.
// Pending devices have no ledger yet and are skipped.
func (s *Scorer) Warm(ctx context.Context) error {
	devices, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Status == domain.StatusRevoked {
			continue
		}
		if _, _, err := s.load(ctx, d.DeviceID); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}
	s.mu.RLock()
	n := len(s.scores)
	s.mu.RUnlock()
	slog.Info("Trust scores restored", "devices", n)
	return nil
}

// PositiveTick grants PositiveTickDelta to every tracked device whose
// last penalty is at least quiet old and whose score is below the
// maximum. It returns the number of devices adjusted. Wire it as a
// scheduler job when positive drift is enabled.
func (s *Scorer) PositiveTick(ctx context.Context, quiet time.Duration) int {
	cutoff := time.Now().UTC().Add(-quiet)

	s.mu.RLock()
	due := make([]string, 0, len(s.scores))
	for id, score := range s.scores {
		if score >= domain.TrustMax {
			continue
		}
		if last, ok := s.lastPenalty[id]; ok && last.After(cutoff) {
			continue
		}
		due = append(due, id)
	}
	s.mu.RUnlock()

	ticked := 0
	for _, id := range due {
		if _, err := s.apply(ctx, id, domain.PositiveTickDelta, "uneventful period"); err != nil {
			slog.Warn("Positive trust tick failed", "device", id, "error", err)
			continue
		}
		ticked++
	}
	return ticked
}

// apply is the single write path: ledger append, memory update, metric,
// and a TrustChanged event when the latched band moves.
func (s *Scorer) apply(ctx context.Context, deviceID string, delta int, reason string) (int, error) {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	prev, band, err := s.load(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	next := domain.ClampTrust(prev + delta)
	ev := domain.TrustEvent{
		DeviceID:   deviceID,
		ScoreAfter: next,
		Delta:      delta,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.AppendTrustEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("append trust event: %w", err)
	}

	newBand := s.nextBand(band, next)

	s.mu.Lock()
	s.scores[deviceID] = next
	s.bands[deviceID] = newBand
	if delta < 0 {
		s.lastPenalty[deviceID] = ev.Timestamp
	}
	s.mu.Unlock()

	direction := "up"
	if delta < 0 {
		direction = "down"
	}
	telemetry.TrustAdjustments.WithLabelValues(direction).Inc()
	slog.Debug("Trust adjusted", "device", deviceID, "delta", delta, "score", next, "reason", reason)

	if newBand != band {
		s.publishCrossing(deviceID, prev, next, band, newBand, reason)
	}
	return next, nil
}

// load returns the in-memory score and band, falling back to the ledger
// for devices seen before a restart.
func (s *Scorer) load(ctx context.Context, deviceID string) (int, int, error) {
	s.mu.RLock()
	score, ok := s.scores[deviceID]
	band := s.bands[deviceID]
	s.mu.RUnlock()
	if ok {
		return score, band, nil
	}

	score, err := s.store.CurrentTrust(ctx, deviceID)
	if err != nil {
		return 0, 0, err
	}
	band = s.bandFor(score)

	s.mu.Lock()
	s.scores[deviceID] = score
	s.bands[deviceID] = band
	if _, ok := s.lastPenalty[deviceID]; !ok {
		s.lastPenalty[deviceID] = time.Now().UTC()
	}
	s.mu.Unlock()
	return score, band, nil
}

// bandFor classifies a score without hysteresis. Band 0 sits above the
// highest threshold; band len(thresholds) sits below the lowest.
func (s *Scorer) bandFor(score int) int {
	for i, t := range s.thresholds {
		if score >= t {
			return i
		}
	}
	return len(s.thresholds)
}

// nextBand moves the latched band for a new score. Falling happens the
// moment the score drops under the band's floor; rising additionally
// requires clearing the floor plus the hysteresis margin, so a score
// oscillating just above a threshold cannot flap events.
func (s *Scorer) nextBand(band, score int) int {
	for band < len(s.thresholds) && score < s.thresholds[band] {
		band++
	}
	for band > 0 && score >= s.thresholds[band-1]+s.hysteresis {
		band--
	}
	return band
}

func (s *Scorer) publishCrossing(deviceID string, prev, next, oldBand, newBand int, reason string) {
	direction := domain.CrossUp
	var threshold int
	if newBand > oldBand {
		direction = domain.CrossDown
		threshold = s.thresholds[newBand-1]
	} else {
		threshold = s.thresholds[newBand]
	}

	s.bus.Publish(domain.NewEvent(domain.TopicTrustChanged, domain.TrustChanged{
		DeviceID:  deviceID,
		Score:     next,
		Previous:  prev,
		Level:     domain.TrustLevelFor(next),
		Threshold: threshold,
		Direction: direction,
		Reason:    reason,
	}))
	slog.Info("Trust threshold crossed",
		"device", deviceID, "score", next, "threshold", threshold, "direction", direction)
}

// lockDevice serializes writers touching the same device.
func (s *Scorer) lockDevice(deviceID string) func() {
	s.mu.Lock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
