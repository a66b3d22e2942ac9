package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/touchline-bridge/internal/model"
)

func validConfig() Config {
	return Config{
		ControllerHost: "192.168.1.50",
		Zones: []model.ZoneConfig{
			{ID: "living_room", Label: "Living Room", DeviceIndex: 0},
			{ID: "bathroom", Label: "Bathroom", DeviceIndex: 1},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()
	cfg.validate() // should not panic
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()

	assert.Equal(t, 30, cfg.PollIntervalSeconds)
	assert.Equal(t, 10, cfg.CallTimeoutSeconds)
	assert.Equal(t, 3, cfg.StaleThreshold)
	assert.Equal(t, 3, cfg.DisconnectCycles)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "data/snapshot.db", cfg.SnapshotFile)
}

func TestValidate_MissingHost(t *testing.T) {
	cfg := validConfig()
	cfg.ControllerHost = ""
	cfg.applyDefaults()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for missing controller host, got none")
		}
	}()
	cfg.validate()
}

func TestValidate_NoZones(t *testing.T) {
	cfg := validConfig()
	cfg.Zones = nil
	cfg.applyDefaults()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for empty zone table, got none")
		}
	}()
	cfg.validate()
}

func TestValidate_DuplicateZoneID(t *testing.T) {
	cfg := validConfig()
	cfg.Zones = append(cfg.Zones, model.ZoneConfig{ID: "living_room", DeviceIndex: 2})
	cfg.applyDefaults()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for duplicate zone id, got none")
		}
	}()
	cfg.validate()
}

func TestValidate_DuplicateDeviceIndex(t *testing.T) {
	cfg := validConfig()
	cfg.Zones = append(cfg.Zones, model.ZoneConfig{ID: "kitchen", DeviceIndex: 0})
	cfg.applyDefaults()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for conflicting device indexes, got none")
		}
	}()
	cfg.validate()
}
