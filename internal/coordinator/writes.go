package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/model"
	"github.com/thatsimonsguy/touchline-bridge/internal/protocol"
)

// SetTemperature writes a new setpoint for a zone. Input is validated before
// any network call; the cache is only updated from the confirmatory read.
func (c *Coordinator) SetTemperature(zoneID string, celsius float64) error {
	zone, err := c.lookupZone(zoneID)
	if err != nil {
		return err
	}
	raw, err := protocol.EncodeTemperature(celsius)
	if err != nil {
		return err
	}

	log.Info().Str("zone", zoneID).Float64("setpoint", celsius).Msg("Writing zone setpoint")
	return c.writeAndConfirm(zone, protocol.FieldTargetTemp, raw)
}

// SetMode writes a new operation mode for a zone.
func (c *Coordinator) SetMode(zoneID string, mode model.OperationMode) error {
	zone, err := c.lookupZone(zoneID)
	if err != nil {
		return err
	}
	raw, err := protocol.EncodeMode(mode)
	if err != nil {
		return err
	}

	log.Info().Str("zone", zoneID).Str("mode", string(mode)).Msg("Writing zone mode")
	return c.writeAndConfirm(zone, protocol.FieldMode, raw)
}

// writeAndConfirm performs the write and its confirmatory read inside one
// critical section, so the read reflects this write and not an interleaved
// poll. The cache is untouched unless the read confirms.
func (c *Coordinator) writeAndConfirm(zone model.ZoneConfig, field string, raw int64) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("coordinator is shut down")
	}

	c.connMu.Lock()
	if err := c.client.WriteValue(context.Background(), zone.DeviceIndex, field, raw); err != nil {
		c.connMu.Unlock()
		return err
	}

	rawFields, err := c.client.ReadZone(context.Background(), zone.DeviceIndex)
	c.connMu.Unlock()
	if err != nil {
		c.failUnconfirmed(zone.ID, err)
		return fmt.Errorf("write accepted but unconfirmed: %w", err)
	}

	reading, err := protocol.DecodeZone(rawFields)
	if err != nil {
		c.failUnconfirmed(zone.ID, err)
		return fmt.Errorf("write accepted but unconfirmed: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	for i := range c.state.Zones {
		if c.state.Zones[i].ID == zone.ID {
			c.applyReadingLocked(&c.state.Zones[i], reading, now)
			break
		}
	}
	prev := c.state.Status
	c.state.Status = c.computeStatusLocked()
	next := c.state.Status
	snapshot := c.copyStateLocked()
	c.mu.Unlock()

	if prev != next {
		c.onStatusChange(prev, next)
	}
	c.persist(snapshot)
	c.notifySubscribers(snapshot)
	return nil
}

// failUnconfirmed counts a failed confirmatory read against the zone, same as
// a poll failure. Cached state stays as it was before the write.
func (c *Coordinator) failUnconfirmed(zoneID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Zones {
		if c.state.Zones[i].ID == zoneID {
			c.recordFailureLocked(&c.state.Zones[i], err)
			break
		}
	}
}

func (c *Coordinator) lookupZone(zoneID string) (model.ZoneConfig, error) {
	zone, ok := c.byID[zoneID]
	if !ok {
		return model.ZoneConfig{}, fmt.Errorf("unknown zone %q", zoneID)
	}
	return zone, nil
}
