// Package protocol decodes and encodes the raw values used by the Roth
// TouchLine controller. The wire format is undocumented; the tables and scale
// factors here were reverse-engineered and must not be assumed exhaustive.
package protocol

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/model"
)

// Field codes accepted by the controller's read and write endpoints,
// addressed as G<device>.<field>.
const (
	FieldCurrentTemp = "RaumTemp"
	FieldTargetTemp  = "SollTemp"
	FieldMode        = "OPMode"
	FieldWeekProgram = "WeekProg"
	FieldDemand      = "HeatDemand"
)

const (
	// Temperatures travel as fixed-point integers, tenths of a degree.
	TempScale = 10

	// Hardware setpoint limits, inclusive.
	MinSetpoint = 5.0
	MaxSetpoint = 35.0

	// Raw readings at or above this are sentinels for "no reading".
	rawTempSentinel = 9999

	// Decoded readings outside this window are treated as garbage rather
	// than surfaced as temperatures.
	minPlausible = 0.0
	maxPlausible = 50.0

	// Band below target before we infer heating demand, to avoid flapping
	// when no explicit demand bit is reported. Tunable; not a controller
	// constant.
	demandHysteresis = 0.3
)

var modeByRaw = map[int64]model.OperationMode{
	0: model.ModeAuto,
	1: model.ModeComfort,
	2: model.ModeEco,
	3: model.ModeOff,
}

var rawByMode = map[model.OperationMode]int64{
	model.ModeAuto:    0,
	model.ModeComfort: 1,
	model.ModeEco:     2,
	model.ModeOff:     3,
}

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ZoneReading is the decoded result of one zone read.
type ZoneReading struct {
	Current     model.Temperature
	Target      model.Temperature
	Mode        model.OperationMode
	Demand      bool
	WeekProgram int
}

// DecodeZone maps the positional raw fields of a zone read into a reading.
// Field order on the wire: current temp, target temp, mode, week program,
// and an optional demand bit on firmware that reports one.
func DecodeZone(raw []int64) (ZoneReading, error) {
	if len(raw) < 4 {
		return ZoneReading{}, fmt.Errorf("expected at least 4 raw fields, got %d", len(raw))
	}

	r := ZoneReading{
		Current:     DecodeTemperature(raw[0]),
		Target:      DecodeTemperature(raw[1]),
		Mode:        DecodeMode(raw[2]),
		WeekProgram: int(raw[3]),
	}

	if len(raw) >= 5 {
		r.Demand = raw[4] != 0
	} else {
		r.Demand = inferDemand(r.Current, r.Target)
	}

	return r, nil
}

// DecodeTemperature converts a raw fixed-point reading to degrees Celsius,
// rounded to one decimal. Sentinel and implausible raws decode to an invalid
// temperature, never to a bogus number.
func DecodeTemperature(raw int64) model.Temperature {
	if raw < 0 || raw >= rawTempSentinel {
		return model.Temperature{}
	}
	c := math.Round(float64(raw)/TempScale*10) / 10
	if c < minPlausible || c > maxPlausible {
		return model.Temperature{}
	}
	return model.Temperature{Celsius: c, Valid: true}
}

// DecodeMode maps a raw mode integer to an operation mode. Unrecognized
// values decode to ModeUnknown; firmware variants ship codes we have never
// seen, and one odd mode must not fail the whole read.
func DecodeMode(raw int64) model.OperationMode {
	mode, ok := modeByRaw[raw]
	if !ok {
		log.Warn().Int64("raw_mode", raw).Msg("Unrecognized operation mode code")
		return model.ModeUnknown
	}
	return mode
}

// EncodeTemperature converts a setpoint in Celsius to the controller's
// fixed-point representation, rejecting values outside the hardware range.
func EncodeTemperature(celsius float64) (int64, error) {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return 0, &ValidationError{Field: "setpoint", Msg: "not a finite number"}
	}
	if celsius < MinSetpoint || celsius > MaxSetpoint {
		return 0, &ValidationError{
			Field: "setpoint",
			Msg:   fmt.Sprintf("%.1f outside supported range %.0f-%.0f", celsius, MinSetpoint, MaxSetpoint),
		}
	}
	return int64(math.Round(celsius * TempScale)), nil
}

// EncodeMode reverses the mode table. ModeUnknown is not encodable.
func EncodeMode(mode model.OperationMode) (int64, error) {
	raw, ok := rawByMode[mode]
	if !ok {
		return 0, &ValidationError{Field: "mode", Msg: fmt.Sprintf("%q is not writable", mode)}
	}
	return raw, nil
}

func inferDemand(current, target model.Temperature) bool {
	if !current.Valid || !target.Valid {
		return false
	}
	return current.Celsius < target.Celsius-demandHysteresis
}
