package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/touchline-bridge/internal/client"
	"github.com/thatsimonsguy/touchline-bridge/internal/model"
	"github.com/thatsimonsguy/touchline-bridge/internal/protocol"
)

type fakeClient struct {
	mu         sync.Mutex
	reads      map[int][]int64
	readErrs   map[int]error
	writeErr   error
	readCalls  int
	writeCalls int
	lastWrite  struct {
		device int
		field  string
		raw    int64
	}
	onWrite func(device int, field string, raw int64)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		reads:    make(map[int][]int64),
		readErrs: make(map[int]error),
	}
}

func (f *fakeClient) ReadZone(_ context.Context, deviceIndex int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	if err := f.readErrs[deviceIndex]; err != nil {
		return nil, err
	}
	raw := f.reads[deviceIndex]
	out := make([]int64, len(raw))
	copy(out, raw)
	return out, nil
}

func (f *fakeClient) WriteValue(_ context.Context, deviceIndex int, field string, raw int64) error {
	f.mu.Lock()
	f.writeCalls++
	f.lastWrite.device = deviceIndex
	f.lastWrite.field = field
	f.lastWrite.raw = raw
	err := f.writeErr
	onWrite := f.onWrite
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if onWrite != nil {
		onWrite(deviceIndex, field, raw)
	}
	return nil
}

func (f *fakeClient) setRead(device int, raw ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[device] = raw
	delete(f.readErrs, device)
}

func (f *fakeClient) setReadErr(device int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErrs[device] = err
}

func (f *fakeClient) calls() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls, f.writeCalls
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Send(title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

type fakeStore struct {
	mu    sync.Mutex
	saves []model.SystemState
}

func (f *fakeStore) SaveSnapshot(s model.SystemState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, s)
	return nil
}

var testZones = []model.ZoneConfig{
	{ID: "living_room", Label: "Living Room", DeviceIndex: 1},
	{ID: "bathroom", Label: "Bathroom", DeviceIndex: 3},
}

func newTestCoordinator(fc *fakeClient) *Coordinator {
	return New(Config{PollInterval: time.Hour}, fc, testZones, nil, nil)
}

func readErr(kind client.ErrorKind) error {
	return &client.Error{Kind: kind, Op: "read_zone", Err: errors.New("boom")}
}

func TestPollOnce_PopulatesAllZones(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 185, 220, 2, 4)

	c := newTestCoordinator(fc)

	var notified []model.SystemState
	c.Subscribe(func(s model.SystemState) { notified = append(notified, s) })

	c.PollOnce()

	snap := c.Snapshot()
	assert.Equal(t, model.StatusConnected, snap.Status)
	assert.Equal(t, 0, snap.FailedCycles)
	assert.False(t, snap.LastPoll.IsZero())

	lr, ok := snap.Zone("living_room")
	require.True(t, ok)
	assert.Equal(t, model.Temperature{Celsius: 21.2, Valid: true}, lr.Current)
	assert.Equal(t, model.Temperature{Celsius: 21.0, Valid: true}, lr.Target)
	assert.Equal(t, model.ModeComfort, lr.Mode)
	assert.False(t, lr.Demand)
	assert.False(t, lr.Stale)

	ba, ok := snap.Zone("bathroom")
	require.True(t, ok)
	assert.Equal(t, model.ModeEco, ba.Mode)
	assert.Equal(t, 4, ba.WeekProgram)
	assert.True(t, ba.Demand) // 18.5 well below 22.0

	require.Len(t, notified, 1)
	assert.Equal(t, model.StatusConnected, notified[0].Status)

	// Zones keep configuration order.
	assert.Equal(t, "living_room", snap.Zones[0].ID)
	assert.Equal(t, "bathroom", snap.Zones[1].ID)
}

func TestZoneFailureIsolationAndStaleness(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	c := newTestCoordinator(fc)
	c.PollOnce()
	require.Equal(t, model.StatusConnected, c.Snapshot().Status)

	// Bathroom starts failing; living room stays live.
	fc.setReadErr(3, readErr(client.KindTimeout))

	c.PollOnce()
	c.PollOnce()
	snap := c.Snapshot()
	ba, _ := snap.Zone("bathroom")
	assert.False(t, ba.Stale, "two failures should not flag stale yet")
	assert.Equal(t, model.StatusConnected, snap.Status)

	c.PollOnce() // third consecutive failure
	snap = c.Snapshot()
	ba, _ = snap.Zone("bathroom")
	assert.True(t, ba.Stale)
	assert.Equal(t, model.StatusDegraded, snap.Status)

	// Cached values are retained, not discarded.
	assert.Equal(t, model.Temperature{Celsius: 20.0, Valid: true}, ba.Current)

	// Living room was never disturbed.
	lr, _ := snap.Zone("living_room")
	assert.False(t, lr.Stale)
	assert.Equal(t, model.Temperature{Celsius: 21.2, Valid: true}, lr.Current)
	assert.Equal(t, 0, snap.FailedCycles)
}

func TestZoneRecoveryClearsStaleness(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setReadErr(3, readErr(client.KindNetworkUnreachable))

	c := newTestCoordinator(fc)
	for i := 0; i < 3; i++ {
		c.PollOnce()
	}
	require.Equal(t, 3, c.failures["bathroom"])

	fc.setRead(3, 195, 210, 0, 0)
	c.PollOnce()

	snap := c.Snapshot()
	ba, _ := snap.Zone("bathroom")
	assert.False(t, ba.Stale)
	assert.Equal(t, 0, c.failures["bathroom"])
	assert.Equal(t, model.StatusConnected, snap.Status)
}

func TestDisconnectedAndPartialRecovery(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	notifier := &fakeNotifier{}
	c := New(Config{PollInterval: time.Hour}, fc, testZones, nil, notifier)
	c.PollOnce()

	fc.setReadErr(1, readErr(client.KindTimeout))
	fc.setReadErr(3, readErr(client.KindTimeout))
	for i := 0; i < 3; i++ {
		c.PollOnce()
	}

	snap := c.Snapshot()
	assert.Equal(t, model.StatusDisconnected, snap.Status)
	assert.Equal(t, 3, snap.FailedCycles)

	// Cache is retained for diagnostic display.
	lr, _ := snap.Zone("living_room")
	assert.True(t, lr.Stale)
	assert.Equal(t, model.Temperature{Celsius: 21.2, Valid: true}, lr.Current)

	// One zone recovering upgrades to degraded, never straight to connected
	// while the other zone is still stale.
	fc.setRead(1, 212, 210, 1, 0)
	c.PollOnce()

	snap = c.Snapshot()
	assert.Equal(t, model.StatusDegraded, snap.Status)
	assert.Equal(t, 0, snap.FailedCycles)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.titles, 2)
	assert.Contains(t, notifier.titles[0], "unreachable")
	assert.Contains(t, notifier.titles[1], "recovered")
}

func TestSetTemperature_ValidationBeforeNetwork(t *testing.T) {
	fc := newFakeClient()
	c := newTestCoordinator(fc)

	err := c.SetTemperature("living_room", 45)

	var verr *protocol.ValidationError
	require.Error(t, err)
	assert.True(t, errors.As(err, &verr))

	reads, writes := fc.calls()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestSetTemperature_UnknownZone(t *testing.T) {
	fc := newFakeClient()
	c := newTestCoordinator(fc)

	err := c.SetTemperature("attic", 21)
	assert.Error(t, err)

	reads, writes := fc.calls()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestSetTemperature_WriteTimeoutLeavesCacheUntouched(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	c := newTestCoordinator(fc)
	c.PollOnce()
	before := c.Snapshot()

	fc.writeErr = &client.Error{Kind: client.KindTimeout, Op: "write_value", Err: errors.New("deadline exceeded")}
	err := c.SetTemperature("living_room", 22.5)

	require.Error(t, err)
	kind, ok := client.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, client.KindTimeout, kind)

	after := c.Snapshot()
	assert.Equal(t, before.Zones, after.Zones)
}

func TestSetTemperature_UnconfirmedWrite(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	c := newTestCoordinator(fc)
	c.PollOnce()
	before := c.Snapshot()

	// Write is accepted but the confirmatory read fails.
	fc.onWrite = func(device int, _ string, _ int64) {
		fc.setReadErr(device, readErr(client.KindNetworkUnreachable))
	}
	err := c.SetTemperature("living_room", 22.5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unconfirmed")

	after := c.Snapshot()
	assert.Equal(t, before.Zones, after.Zones)
	assert.Equal(t, 1, c.failures["living_room"])
}

func TestSetMode_ConfirmatoryReadReconcilesCache(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 1, 0)

	c := newTestCoordinator(fc)
	c.PollOnce()

	// The device applies the mode; the confirmatory read must see it.
	fc.onWrite = func(device int, field string, raw int64) {
		if field == protocol.FieldMode {
			fc.setRead(device, 200, 230, raw, 0)
		}
	}

	var confirmed []model.SystemState
	c.Subscribe(func(s model.SystemState) { confirmed = append(confirmed, s) })

	err := c.SetMode("bathroom", model.ModeEco)
	require.NoError(t, err)

	assert.Equal(t, 3, fc.lastWrite.device)
	assert.Equal(t, protocol.FieldMode, fc.lastWrite.field)
	assert.Equal(t, int64(2), fc.lastWrite.raw)

	// The cache already reflects the confirmed mode when SetMode returns.
	snap := c.Snapshot()
	ba, _ := snap.Zone("bathroom")
	assert.Equal(t, model.ModeEco, ba.Mode)

	require.Len(t, confirmed, 1)
	got, _ := confirmed[0].Zone("bathroom")
	assert.Equal(t, model.ModeEco, got.Mode)
}

func TestSetMode_UnknownNotEncodable(t *testing.T) {
	fc := newFakeClient()
	c := newTestCoordinator(fc)

	err := c.SetMode("living_room", model.ModeUnknown)
	assert.Error(t, err)

	_, writes := fc.calls()
	assert.Zero(t, writes)
}

func TestRestoreSeedsStaleEntries(t *testing.T) {
	fc := newFakeClient()
	c := newTestCoordinator(fc)

	readAt := time.Now().Add(-time.Hour)
	c.Restore([]model.ZoneState{
		{
			ID:       "living_room",
			Current:  model.Temperature{Celsius: 19.5, Valid: true},
			Target:   model.Temperature{Celsius: 21.0, Valid: true},
			Mode:     model.ModeAuto,
			LastRead: readAt,
		},
		{ID: "cellar"}, // no longer configured, ignored
	})

	snap := c.Snapshot()
	assert.Equal(t, model.StatusInitializing, snap.Status)

	lr, _ := snap.Zone("living_room")
	assert.True(t, lr.Stale)
	assert.Equal(t, model.Temperature{Celsius: 19.5, Valid: true}, lr.Current)
	assert.Equal(t, readAt, lr.LastRead)
}

func TestSnapshotIsACopy(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	c := newTestCoordinator(fc)
	c.PollOnce()

	snap := c.Snapshot()
	snap.Zones[0].Mode = model.ModeOff

	again := c.Snapshot()
	assert.Equal(t, model.ModeComfort, again.Zones[0].Mode)
}

func TestPollPersistsSnapshot(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	store := &fakeStore{}
	c := New(Config{PollInterval: time.Hour}, fc, testZones, store, nil)
	c.PollOnce()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saves, 1)
	assert.Equal(t, model.StatusConnected, store.saves[0].Status)
}

func TestStopRefusesNewWork(t *testing.T) {
	fc := newFakeClient()
	fc.setRead(1, 212, 210, 1, 0)
	fc.setRead(3, 200, 230, 0, 0)

	c := newTestCoordinator(fc)
	c.Start()
	c.Stop()

	reads, _ := fc.calls()

	err := c.SetTemperature("living_room", 21)
	assert.Error(t, err)

	c.PollOnce()
	after, writes := fc.calls()
	assert.Equal(t, reads, after)
	assert.Zero(t, writes)
}
