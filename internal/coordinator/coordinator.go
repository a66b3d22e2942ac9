// Package coordinator owns the authoritative cached view of the controller.
// It drives the poll loop, serializes every controller call through one
// critical section, tracks per-zone failures, and reconciles writes with a
// confirmatory read before trusting them.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/datadog"
	"github.com/thatsimonsguy/touchline-bridge/internal/model"
	"github.com/thatsimonsguy/touchline-bridge/internal/protocol"
)

// ControllerClient abstracts the controller transport. The coordinator only
// needs raw positional reads and single-field writes.
type ControllerClient interface {
	ReadZone(ctx context.Context, deviceIndex int) ([]int64, error)
	WriteValue(ctx context.Context, deviceIndex int, field string, raw int64) error
}

// SnapshotStore persists the last known-good snapshot between restarts.
type SnapshotStore interface {
	SaveSnapshot(model.SystemState) error
}

// Notifier pushes operator-facing alerts on connection loss and recovery.
type Notifier interface {
	Send(title, message string) error
}

type Config struct {
	PollInterval     time.Duration
	StaleThreshold   int // consecutive zone read failures before the zone is flagged stale
	DisconnectCycles int // consecutive whole-cycle failures before the system is disconnected
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 3
	}
	if c.DisconnectCycles <= 0 {
		c.DisconnectCycles = 3
	}
}

type Coordinator struct {
	cfg      Config
	client   ControllerClient
	zones    []model.ZoneConfig
	byID     map[string]model.ZoneConfig
	store    SnapshotStore // optional
	notifier Notifier      // optional

	// connMu serializes all controller traffic. The TouchLine unit is a
	// single-threaded embedded device; a poll in progress delays a write
	// rather than racing it.
	connMu sync.Mutex

	mu       sync.RWMutex
	state    model.SystemState
	failures map[string]int
	subs     []func(model.SystemState)
	closed   bool

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// New builds a coordinator for the configured zones. All zones start in the
// unknown state until the first poll. store and notifier may be nil.
func New(cfg Config, client ControllerClient, zones []model.ZoneConfig, store SnapshotStore, notifier Notifier) *Coordinator {
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:      cfg,
		client:   client,
		zones:    zones,
		byID:     make(map[string]model.ZoneConfig, len(zones)),
		store:    store,
		notifier: notifier,
		failures: make(map[string]int, len(zones)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	states := make([]model.ZoneState, 0, len(zones))
	for _, z := range zones {
		c.byID[z.ID] = z
		states = append(states, model.ZoneState{
			ID:          z.ID,
			Name:        z.Label,
			DeviceIndex: z.DeviceIndex,
			Mode:        model.ModeUnknown,
		})
	}
	c.state = model.SystemState{
		Status:       model.StatusInitializing,
		PollInterval: cfg.PollInterval,
		Zones:        states,
	}
	return c
}

// Restore seeds the cache with zone states persisted by a previous run.
// Restored entries are flagged stale; they exist for diagnostic display until
// the first poll replaces them.
func (c *Coordinator) Restore(prior []model.ZoneState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range prior {
		for i := range c.state.Zones {
			if c.state.Zones[i].ID != p.ID {
				continue
			}
			z := &c.state.Zones[i]
			z.Current = p.Current
			z.Target = p.Target
			z.Mode = p.Mode
			z.Demand = p.Demand
			z.WeekProgram = p.WeekProgram
			z.LastRead = p.LastRead
			z.Stale = true
		}
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (c *Coordinator) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		log.Info().
			Dur("interval", c.cfg.PollInterval).
			Int("zones", len(c.zones)).
			Msg("Starting controller poll loop")

		c.PollOnce()

		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.PollOnce()
			}
		}
	}()
}

// Stop halts the poll loop, refuses new work, and persists the final
// snapshot. Any in-flight call finishes or is cut by its own timeout.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		c.mu.Unlock()

		close(c.stop)
		if started {
			<-c.done
		}
		c.persist(c.Snapshot())
		log.Info().Msg("Coordinator stopped")
	})
}

// Snapshot returns a copy of the cached system state. Non-blocking for
// consumers; never touches the controller.
func (c *Coordinator) Snapshot() model.SystemState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyStateLocked()
}

// Subscribe registers a callback fired once per completed poll cycle and once
// per confirmed write, with the fresh snapshot.
func (c *Coordinator) Subscribe(fn func(model.SystemState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

type zoneResult struct {
	reading protocol.ZoneReading
	err     error
}

// PollOnce reads every configured zone and merges the results. Zone failures
// are independent; one zone's error never discards another zone's fresh data.
func (c *Coordinator) PollOnce() {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	start := time.Now()
	results := make(map[string]zoneResult, len(c.zones))

	c.connMu.Lock()
	for _, z := range c.zones {
		raw, err := c.client.ReadZone(context.Background(), z.DeviceIndex)
		if err != nil {
			results[z.ID] = zoneResult{err: err}
			continue
		}
		reading, err := protocol.DecodeZone(raw)
		results[z.ID] = zoneResult{reading: reading, err: err}
	}
	c.connMu.Unlock()

	snapshot := c.merge(results, time.Now())
	datadog.Gauge("poll.duration_ms", float64(time.Since(start).Milliseconds()), "component:coordinator")

	c.persist(snapshot)
	c.notifySubscribers(snapshot)
}

// merge folds one cycle's results into the cache and recomputes the overall
// status. Returns the resulting snapshot copy.
func (c *Coordinator) merge(results map[string]zoneResult, now time.Time) model.SystemState {
	c.mu.Lock()

	anySuccess := false
	for i := range c.state.Zones {
		z := &c.state.Zones[i]
		res, ok := results[z.ID]
		if !ok {
			continue
		}
		if res.err != nil {
			c.recordFailureLocked(z, res.err)
			continue
		}
		c.applyReadingLocked(z, res.reading, now)
		anySuccess = true
	}

	if anySuccess {
		c.state.FailedCycles = 0
		c.state.LastPoll = now
	} else {
		c.state.FailedCycles++
		datadog.Count("poll.cycle_failures", 1, "component:coordinator")
	}

	prev := c.state.Status
	c.state.Status = c.computeStatusLocked()
	next := c.state.Status
	snapshot := c.copyStateLocked()
	c.mu.Unlock()

	if prev != next {
		c.onStatusChange(prev, next)
	}
	return snapshot
}

// applyReadingLocked replaces a zone entry with a fresh snapshot value and
// clears its failure tracking.
func (c *Coordinator) applyReadingLocked(z *model.ZoneState, r protocol.ZoneReading, now time.Time) {
	*z = model.ZoneState{
		ID:          z.ID,
		Name:        z.Name,
		DeviceIndex: z.DeviceIndex,
		Current:     r.Current,
		Target:      r.Target,
		Mode:        r.Mode,
		Demand:      r.Demand,
		WeekProgram: r.WeekProgram,
		LastRead:    now,
		Stale:       false,
	}
	c.failures[z.ID] = 0

	if r.Current.Valid {
		datadog.Gauge("zone.temperature", r.Current.Celsius, "component:coordinator", fmt.Sprintf("zone:%s", z.ID))
	}
	if r.Target.Valid {
		datadog.Gauge("zone.target", r.Target.Celsius, "component:coordinator", fmt.Sprintf("zone:%s", z.ID))
	}
}

// recordFailureLocked bumps a zone's consecutive failure count, flagging the
// zone stale at the threshold. Cached values are retained, never discarded.
func (c *Coordinator) recordFailureLocked(z *model.ZoneState, err error) {
	c.failures[z.ID]++
	count := c.failures[z.ID]
	if count >= c.cfg.StaleThreshold {
		z.Stale = true
	}

	log.Warn().
		Err(err).
		Str("zone", z.ID).
		Int("consecutive_failures", count).
		Bool("stale", z.Stale).
		Msg("Zone read failed")
	datadog.Count("zone.read_failures", 1, fmt.Sprintf("zone:%s", z.ID))
}

func (c *Coordinator) computeStatusLocked() model.ConnStatus {
	if c.state.FailedCycles >= c.cfg.DisconnectCycles {
		return model.StatusDisconnected
	}

	fresh, withData := 0, 0
	for _, z := range c.state.Zones {
		if z.LastRead.IsZero() {
			continue
		}
		withData++
		if !z.Stale {
			fresh++
		}
	}

	switch {
	case withData == 0:
		return model.StatusInitializing
	case fresh == len(c.state.Zones):
		return model.StatusConnected
	default:
		// At least one zone stale or unread; live zones keep serving.
		return model.StatusDegraded
	}
}

func (c *Coordinator) onStatusChange(prev, next model.ConnStatus) {
	log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Connection status changed")
	datadog.Gauge("controller.connected", statusMetric(next), "component:coordinator")

	if c.notifier == nil {
		return
	}
	var title, msg string
	switch {
	case next == model.StatusDisconnected:
		title = "TouchLine controller unreachable"
		msg = fmt.Sprintf("All zone reads have failed for %d consecutive cycles; cached data is unreliable.", c.cfg.DisconnectCycles)
	case prev == model.StatusDisconnected:
		title = "TouchLine controller recovered"
		msg = fmt.Sprintf("Controller is answering again (status now %s).", next)
	default:
		return
	}
	if err := c.notifier.Send(title, msg); err != nil {
		log.Error().Err(err).Msg("Failed to send status notification")
	}
}

func statusMetric(s model.ConnStatus) float64 {
	switch s {
	case model.StatusConnected:
		return 1
	case model.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

func (c *Coordinator) copyStateLocked() model.SystemState {
	out := c.state
	out.Zones = make([]model.ZoneState, len(c.state.Zones))
	copy(out.Zones, c.state.Zones)
	return out
}

func (c *Coordinator) notifySubscribers(snapshot model.SystemState) {
	c.mu.RLock()
	subs := make([]func(model.SystemState), len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (c *Coordinator) persist(snapshot model.SystemState) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSnapshot(snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to persist snapshot")
	}
}
