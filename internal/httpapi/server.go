// Package httpapi exposes the hub over the service REST surface an external
// gateway fronts. Authentication happens at that gateway, not here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"stim-hub/internal/codec"
	"stim-hub/internal/device"
	"stim-hub/internal/events"
	"stim-hub/internal/manager"
	"stim-hub/internal/observability"
	"stim-hub/internal/schedule"
)

type Server struct {
	log    *slog.Logger
	mgr    *manager.Manager
	mapper *events.Mapper
	sched  *schedule.Scheduler
}

// New builds the API server. sched may be nil when the daemon runs without
// schedules.
func New(mgr *manager.Manager, mapper *events.Mapper, sched *schedule.Scheduler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, mgr: mgr, mapper: mapper, sched: sched}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/stimhub", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/strength", s.handleStrength)
			r.Post("/waveform", s.handleWaveform)
			r.Post("/clear", s.handleClear)
			r.Post("/event", s.handleSendEvent)
		})

		r.Get("/events", s.handleListMappings)
		r.Post("/events", s.handleRegisterMapping)
		r.Route("/events/{event}", func(r chi.Router) {
			r.Get("/", s.handleGetMapping)
			r.Delete("/", s.handleRemoveMapping)
			r.Post("/trigger", s.handleTriggerEvent)
			r.Post("/reset-cooldown", s.handleResetCooldown)
		})

		r.Get("/schedules", s.handleListSchedules)
		r.Post("/stop", s.handleEmergencyStop)
		r.Get("/notifications/ws", s.handleNotificationsWS)
	})

	return r
}

type strengthPayload struct {
	Channel string `json:"channel"`
	Mode    string `json:"mode"`
	Value   int    `json:"value"`
}

type waveformPayload struct {
	Channel    string         `json:"channel"`
	Preset     string         `json:"preset"`
	Samples    []codec.Sample `json:"samples"`
	DurationMs int            `json:"duration_ms"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

type eventPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

type actionPayload struct {
	Kind       string         `json:"kind"`
	DeviceID   string         `json:"device_id"`
	Channel    string         `json:"channel"`
	Mode       string         `json:"mode"`
	Value      int            `json:"value"`
	DurationMs int            `json:"duration_ms"`
	Preset     string         `json:"preset"`
	Samples    []codec.Sample `json:"samples"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload"`
}

type mappingPayload struct {
	Event      string          `json:"event"`
	CooldownMs int             `json:"cooldown_ms"`
	Actions    []actionPayload `json:"actions"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.mgr.List()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.mgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	// Connect blocks until the device is ready; run it out of band and let
	// clients follow progress through snapshots and the notification stream.
	go func() {
		if err := s.mgr.Connect(context.Background(), id); err != nil {
			s.log.Warn("connect failed", "device", id, "error", err)
		}
	}()
	observability.RecordCommand(id, "connect")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "connecting", "device_id": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Disconnect(r.Context(), id); err != nil {
		writeDeviceError(w, err)
		return
	}
	observability.RecordCommand(id, "disconnect")
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected", "device_id": id})
}

func (s *Server) handleStrength(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p strengthPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, err := parseChannel(p.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := parseMode(p.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.SetStrength(r.Context(), id, ch, mode, p.Value); err != nil {
		writeDeviceError(w, err)
		return
	}
	observability.RecordCommand(id, "strength")
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "device_id": id, "channel": ch})
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p waveformPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, err := parseChannel(p.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Preset == "" && len(p.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "preset or samples required")
		return
	}
	wf := device.Waveform{
		Preset:   p.Preset,
		Samples:  p.Samples,
		Duration: time.Duration(p.DurationMs) * time.Millisecond,
	}
	if err := s.mgr.SendWaveform(r.Context(), id, ch, wf); err != nil {
		writeDeviceError(w, err)
		return
	}
	observability.RecordCommand(id, "waveform")
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "device_id": id, "channel": ch})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p channelPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, err := parseChannel(p.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.ClearWaveform(r.Context(), id, ch); err != nil {
		writeDeviceError(w, err)
		return
	}
	observability.RecordCommand(id, "clear")
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "device_id": id, "channel": ch})
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(p.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if err := s.mgr.SendEvent(r.Context(), id, p.Event, p.Payload); err != nil {
		writeDeviceError(w, err)
		return
	}
	observability.RecordCommand(id, "event")
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "device_id": id, "event": p.Event})
}

func (s *Server) handleListMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.mapper.List()})
}

func (s *Server) handleRegisterMapping(w http.ResponseWriter, r *http.Request) {
	var p mappingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(p.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	mapping := events.Mapping{
		Event:    strings.TrimSpace(p.Event),
		Cooldown: time.Duration(p.CooldownMs) * time.Millisecond,
	}
	for i, ap := range p.Actions {
		act, err := ap.toAction()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("action %d: %v", i, err))
			return
		}
		mapping.Actions = append(mapping.Actions, act)
	}
	if err := s.mapper.Register(mapping); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	mapping, ok := s.mapper.Get(chi.URLParam(r, "event"))
	if !ok {
		writeError(w, http.StatusNotFound, "event not mapped")
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	if !s.mapper.Remove(chi.URLParam(r, "event")) {
		writeError(w, http.StatusNotFound, "event not mapped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if _, ok := s.mapper.Get(event); !ok {
		writeError(w, http.StatusNotFound, "event not mapped")
		return
	}
	applied, err := s.mgr.TriggerEvent(r.Context(), event)
	resp := map[string]any{"event": event, "applied": applied}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetCooldown(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if _, ok := s.mapper.Get(event); !ok {
		writeError(w, http.StatusNotFound, "event not mapped")
		return
	}
	s.mapper.ResetCooldown(event)
	writeJSON(w, http.StatusOK, map[string]any{"event": event, "cooldown_reset": true})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.sched != nil {
		names = s.sched.TriggerNames()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": names})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	zeroed := s.mgr.EmergencyStop(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "channels_zeroed": zeroed})
}

func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the upgrade completes so nothing published right
	// after the handshake can slip past.
	ch, cancel := s.mgr.Subscribe()
	defer cancel()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case note, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(note); err != nil {
				s.log.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func parseChannel(s string) (device.Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "":
		return device.ChannelA, nil
	case "B":
		return device.ChannelB, nil
	default:
		return "", fmt.Errorf("unknown channel %q: %w", s, device.ErrUnknownChannel)
	}
}

func parseMode(s string) (device.StrengthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set", "":
		return device.ModeSet, nil
	case "increase", "inc":
		return device.ModeIncrease, nil
	case "decrease", "dec":
		return device.ModeDecrease, nil
	default:
		return 0, fmt.Errorf("unknown strength mode %q: %w", s, device.ErrConfig)
	}
}

func (p actionPayload) toAction() (device.Action, error) {
	ch, err := parseChannel(p.Channel)
	if err != nil {
		return device.Action{}, err
	}
	mode, err := parseMode(p.Mode)
	if err != nil {
		return device.Action{}, err
	}
	act := device.Action{
		DeviceID: p.DeviceID,
		Channel:  ch,
		Mode:     mode,
		Value:    p.Value,
		Duration: time.Duration(p.DurationMs) * time.Millisecond,
		Event:    p.Event,
		Payload:  p.Payload,
	}
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "strength":
		act.Kind = device.ActionStrength
	case "waveform":
		act.Kind = device.ActionWaveform
		if p.Preset == "" && len(p.Samples) == 0 {
			return device.Action{}, fmt.Errorf("waveform action needs a preset or samples: %w", device.ErrConfig)
		}
		act.Waveform = device.Waveform{Preset: p.Preset, Samples: p.Samples, Duration: act.Duration}
	case "custom":
		act.Kind = device.ActionCustom
		if p.Event == "" {
			return device.Action{}, fmt.Errorf("custom action needs an event name: %w", device.ErrConfig)
		}
	default:
		return device.Action{}, fmt.Errorf("unknown action kind %q: %w", p.Kind, device.ErrConfig)
	}
	return act, nil
}

func writeDeviceError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrConfig),
		errors.Is(err, device.ErrUnknownChannel),
		errors.Is(err, device.ErrUnsupportedEvent),
		errors.Is(err, codec.ErrLengthMismatch),
		errors.Is(err, codec.ErrUnknownPreset):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, device.ErrConnectTimeout),
		errors.Is(err, device.ErrTransportClosed),
		errors.Is(err, device.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
