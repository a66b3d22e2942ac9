// Package api is the consumer-facing surface: thin read-only views over the
// coordinator's snapshot plus pass-through writes. It carries no state of its
// own beyond websocket connections.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/client"
	"github.com/thatsimonsguy/touchline-bridge/internal/coordinator"
	"github.com/thatsimonsguy/touchline-bridge/internal/model"
	"github.com/thatsimonsguy/touchline-bridge/internal/protocol"
)

type Server struct {
	coord *coordinator.Coordinator
	hub   *hub
}

type SystemResponse struct {
	Status       string         `json:"status"`
	FailedCycles int            `json:"failed_cycles"`
	LastPoll     *time.Time     `json:"last_poll,omitempty"`
	PollInterval float64        `json:"poll_interval_seconds"`
	Zones        []ZoneResponse `json:"zones"`
}

type ZoneResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CurrentTemp *float64   `json:"current_temp"`
	TargetTemp  *float64   `json:"target_temp"`
	Mode        string     `json:"mode"`
	Demand      bool       `json:"demand"`
	WeekProgram int        `json:"week_program"`
	LastRead    *time.Time `json:"last_read,omitempty"`
	Stale       bool       `json:"stale"`
}

type SetpointRequest struct {
	Setpoint float64 `json:"setpoint"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(coord *coordinator.Coordinator) *Server {
	s := &Server{
		coord: coord,
		hub:   newHub(),
	}
	coord.Subscribe(s.hub.broadcast)
	return s
}

// Handler returns the routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/zones/", s.handleZoneOperations)
	mux.HandleFunc("/api/ws", s.hub.handleWS)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, systemResponse(s.coord.Snapshot()))
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != "/api/zones" {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.coord.Snapshot()
	zones := make([]ZoneResponse, 0, len(snap.Zones))
	for _, z := range snap.Zones {
		zones = append(zones, zoneResponse(z))
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleZoneOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	parts := strings.Split(path, "/")

	if len(parts) < 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Zone ID required")
		return
	}
	zoneID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getZone(w, zoneID)
	case len(parts) == 2 && r.Method == http.MethodPut && parts[1] == "setpoint":
		s.setZoneSetpoint(w, r, zoneID)
	case len(parts) == 2 && r.Method == http.MethodPut && parts[1] == "mode":
		s.setZoneMode(w, r, zoneID)
	case len(parts) == 2:
		s.writeError(w, http.StatusNotFound, "Unknown operation")
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) getZone(w http.ResponseWriter, zoneID string) {
	snap := s.coord.Snapshot()
	zone, ok := snap.Zone(zoneID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Zone %q not found", zoneID))
		return
	}
	s.writeJSON(w, http.StatusOK, zoneResponse(zone))
}

func (s *Server) setZoneSetpoint(w http.ResponseWriter, r *http.Request, zoneID string) {
	var req SetpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.coord.SetTemperature(zoneID, req.Setpoint); err != nil {
		s.writeControllerError(w, zoneID, err)
		return
	}

	snap := s.coord.Snapshot()
	zone, _ := snap.Zone(zoneID)
	s.writeJSON(w, http.StatusOK, zoneResponse(zone))
}

func (s *Server) setZoneMode(w http.ResponseWriter, r *http.Request, zoneID string) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.coord.SetMode(zoneID, model.OperationMode(req.Mode)); err != nil {
		s.writeControllerError(w, zoneID, err)
		return
	}

	snap := s.coord.Snapshot()
	zone, _ := snap.Zone(zoneID)
	s.writeJSON(w, http.StatusOK, zoneResponse(zone))
}

// writeControllerError maps coordinator failures onto HTTP status codes:
// bad input is the caller's fault, controller trouble is a gateway problem.
func (s *Server) writeControllerError(w http.ResponseWriter, zoneID string, err error) {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if kind, ok := client.KindOf(err); ok {
		status := http.StatusBadGateway
		if kind == client.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		log.Error().Err(err).Str("zone", zoneID).Msg("Controller write failed")
		s.writeError(w, status, err.Error())
		return
	}
	if strings.Contains(err.Error(), "unknown zone") {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Error().Err(err).Str("zone", zoneID).Msg("Zone write failed")
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func systemResponse(snap model.SystemState) SystemResponse {
	resp := SystemResponse{
		Status:       string(snap.Status),
		FailedCycles: snap.FailedCycles,
		PollInterval: snap.PollInterval.Seconds(),
		Zones:        make([]ZoneResponse, 0, len(snap.Zones)),
	}
	if !snap.LastPoll.IsZero() {
		t := snap.LastPoll
		resp.LastPoll = &t
	}
	for _, z := range snap.Zones {
		resp.Zones = append(resp.Zones, zoneResponse(z))
	}
	return resp
}

func zoneResponse(z model.ZoneState) ZoneResponse {
	resp := ZoneResponse{
		ID:          z.ID,
		Name:        z.Name,
		Mode:        string(z.Mode),
		Demand:      z.Demand,
		WeekProgram: z.WeekProgram,
		Stale:       z.Stale,
	}
	if z.Current.Valid {
		c := z.Current.Celsius
		resp.CurrentTemp = &c
	}
	if z.Target.Valid {
		t := z.Target.Celsius
		resp.TargetTemp = &t
	}
	if !z.LastRead.IsZero() {
		t := z.LastRead
		resp.LastRead = &t
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
