package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/lifxd/internal/ledger"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const (
	maxBodySize         = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// PendingView is an unacknowledged message.
type PendingView struct {
	Type      string `json:"type"`
	Zone      int    `json:"zone,omitempty"`
	Sequence  uint8  `json:"sequence"`
	SendCount int    `json:"send_count"`
}

// LightView is the JSON shape of one light.
type LightView struct {
	MAC            string          `json:"mac,omitempty"`
	Name           string          `json:"name,omitempty"`
	Host           string          `json:"host,omitempty"`
	Online         bool            `json:"online"`
	SignalStrength int             `json:"signal_strength"`
	Observed       lifx.Snapshot   `json:"observed"`
	Desired        *lifx.Snapshot  `json:"desired,omitempty"`
	Properties     lifx.Properties `json:"properties,omitempty"`
	Pending        []PendingView   `json:"pending,omitempty"`
}

func viewOf(d Device, detailed bool) LightView {
	l := d.Light
	observed := l.Observed()
	v := LightView{
		Name:           d.Name,
		Online:         l.Online(),
		SignalStrength: observed.SignalStrength(),
		Observed:       observed,
		Properties:     l.Properties(),
	}
	if mac := l.MAC(); !mac.IsBroadcast() {
		v.MAC = mac.Hex()
	}
	if ep := l.Endpoint(); ep != nil {
		v.Host = ep.String()
	}
	if detailed {
		desired := l.Desired()
		v.Desired = &desired
		for _, p := range l.Pending() {
			v.Pending = append(v.Pending, PendingView{
				Type:      p.Type.String(),
				Zone:      p.Zone,
				Sequence:  p.Sequence,
				SendCount: p.SendCount,
			})
		}
	}
	return v
}

func (s *Server) handleListLights(w http.ResponseWriter, _ *http.Request) {
	devices := s.deps.Registry.Devices()
	views := make([]LightView, 0, len(devices))
	for _, d := range devices {
		views = append(views, viewOf(d, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lights": views, "count": len(views)})
}

// lookup resolves the {mac} parameter, writing the error response itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Device, bool) {
	mac, err := protocol.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return Device{}, false
	}
	d, ok := s.deps.Registry.Device(mac)
	if !ok {
		writeNotFound(w, "light "+mac.Hex()+" not found")
		return Device{}, false
	}
	return d, true
}

func (s *Server) handleGetLight(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d, true))
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var cmd lifx.Command
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if cmd.Empty() {
		writeBadRequest(w, "request changes nothing")
		return
	}
	if err := cmd.Apply(d.Light); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, lifx.ErrUnknownZone) {
			status = http.StatusNotFound
		}
		writeError(w, status, ErrCodeValidation, err.Error())
		return
	}

	// Delivery is asynchronous; the response shows what will be converged to.
	writeJSON(w, http.StatusAccepted, viewOf(d, true))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not available")
		return
	}
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	q, err := historyQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	q.MAC = d.Light.MAC().Hex()

	entries, err := s.deps.History.Find(q)
	if err != nil {
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// historyQuery reads ?limit=, ?type= (repeatable) and ?since= (RFC 3339).
func historyQuery(r *http.Request) (ledger.Query, error) {
	params := r.URL.Query()
	q := ledger.Query{Limit: defaultHistoryLimit}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, maxHistoryLimit)
	}
	for _, raw := range params["type"] {
		t, err := ledger.ParseEventType(raw)
		if err != nil {
			return q, err
		}
		q.Types = append(q.Types, t)
	}
	if raw := params.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("since must be an RFC 3339 timestamp")
		}
		q.Since = since
	}
	return q, nil
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Inventory == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "inventory is not available")
		return
	}
	devices, err := s.deps.Inventory.All()
	if err != nil {
		writeInternalError(w, "failed to read inventory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery is disabled")
		return
	}
	s.deps.Discovery.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan requested"})
}
