package model

import "time"

type OperationMode string

const (
	ModeAuto    OperationMode = "auto"
	ModeComfort OperationMode = "manual_comfort"
	ModeEco     OperationMode = "eco_setback"
	ModeOff     OperationMode = "off_frost_protection"
	ModeUnknown OperationMode = "unknown"
)

type ConnStatus string

const (
	StatusInitializing ConnStatus = "initializing"
	StatusConnected    ConnStatus = "connected"
	StatusDegraded     ConnStatus = "degraded"
	StatusDisconnected ConnStatus = "disconnected"
)

// Temperature is a decoded controller temperature. Valid is false when the
// controller reported a sentinel or an implausible raw value.
type Temperature struct {
	Celsius float64 `json:"celsius"`
	Valid   bool    `json:"valid"`
}

// ZoneState is an immutable snapshot of one heating circuit. Each poll cycle
// produces a fresh value rather than mutating in place, so concurrent readers
// never see a partially updated zone.
type ZoneState struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	DeviceIndex int           `json:"device_index"`
	Current     Temperature   `json:"current"`
	Target      Temperature   `json:"target"`
	Mode        OperationMode `json:"mode"`
	Demand      bool          `json:"demand"`
	WeekProgram int           `json:"week_program"`
	LastRead    time.Time     `json:"last_read"`
	Stale       bool          `json:"stale"`
}

// SystemState is the coordinator's cached view of the whole controller.
// Zones keeps configuration order.
type SystemState struct {
	Status       ConnStatus    `json:"status"`
	FailedCycles int           `json:"failed_cycles"`
	LastPoll     time.Time     `json:"last_poll"`
	PollInterval time.Duration `json:"poll_interval"`
	Zones        []ZoneState   `json:"zones"`
}

// Zone returns the snapshot for a zone id, if configured.
func (s *SystemState) Zone(id string) (ZoneState, bool) {
	for _, z := range s.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return ZoneState{}, false
}

// ZoneConfig maps a zone id to its TouchLine device index.
type ZoneConfig struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	DeviceIndex int    `json:"device_index"`
}
