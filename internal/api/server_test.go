package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/ledger"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

type stubLight struct {
	mac      protocol.MACAddress
	online   bool
	observed lifx.Snapshot
	desired  lifx.Snapshot
}

func (l *stubLight) MAC() protocol.MACAddress       { return l.mac }
func (l *stubLight) Endpoint() *net.UDPAddr         { return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 56700} }
func (l *stubLight) Online() bool                   { return l.online }
func (l *stubLight) Observed() lifx.Snapshot        { return l.observed }
func (l *stubLight) Desired() lifx.Snapshot         { return l.desired }
func (l *stubLight) Properties() lifx.Properties    { return lifx.Properties{lifx.PropertyProductName: "LIFX A19"} }
func (l *stubLight) Pending() []lifx.PendingMessage { return nil }

func (l *stubLight) SetPower(on bool)                     { l.desired.Power = protocol.PowerFromBool(on) }
func (l *stubLight) SetColor(c protocol.HSBK)             { l.desired.Color = c }
func (l *stubLight) SetHue(d float64)                     { l.desired.Color = l.desired.Color.WithHue(d) }
func (l *stubLight) SetSaturation(p float64)              { l.desired.Color = l.desired.Color.WithSaturation(p) }
func (l *stubLight) SetBrightness(p float64)              { l.desired.Color = l.desired.Color.WithBrightness(p) }
func (l *stubLight) SetTemperature(k uint16)              { l.desired.Color.Kelvin = k }
func (l *stubLight) SetZoneColor(int, protocol.HSBK) bool { return false }
func (l *stubLight) HasZone(int) bool                     { return false }
func (l *stubLight) SetInfrared(float64)                  {}
func (l *stubLight) SetHevCycle(bool, time.Duration)      {}
func (l *stubLight) SetTileEffect(protocol.Effect)        {}
func (l *stubLight) WantSignalStrength(bool)              {}

type stubRegistry []Device

func (r stubRegistry) Devices() []Device { return r }

func (r stubRegistry) Device(mac protocol.MACAddress) (Device, bool) {
	for _, d := range r {
		if d.Light.MAC() == mac {
			return d, true
		}
	}
	return Device{}, false
}

type stubHistory struct {
	entries []*ledger.Entry
	last    *ledger.Query
}

func (h *stubHistory) Find(q ledger.Query) ([]*ledger.Entry, error) {
	*h.last = q
	return h.entries[:min(q.Limit, len(h.entries))], nil
}

type triggerCount int

func (t *triggerCount) Trigger() { *t++ }

var deskMAC = protocol.MACAddress{0xD0, 0x73, 0xD5, 0, 0, 1}

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, *stubLight) {
	t.Helper()
	light := &stubLight{mac: deskMAC, online: true, observed: lifx.Snapshot{Power: protocol.PowerOn}}
	if deps.Registry == nil {
		deps.Registry = stubRegistry{{Name: "desk", Light: light}}
	}
	srv := httptest.NewServer(New(config.HTTPConfig{}, deps).Handler())
	t.Cleanup(srv.Close)
	return srv, light
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestListAndGetLights(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/lights", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/lights/d0:73:d5:00:00:01", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "D073D5000001", body["mac"])
	assert.Equal(t, "desk", body["name"])
	assert.Equal(t, "10.0.0.5:56700", body["host"])
	assert.Contains(t, body, "desired")

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lights/D073D5FFFFFF", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/lights/garbage", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, body["code"])
}

func TestSetState(t *testing.T) {
	srv, light := newTestServer(t, Deps{})
	url := srv.URL + "/api/v1/lights/D073D5000001/state"

	resp, _ := do(t, http.MethodPut, url, `{"power":false,"brightness":50,"kelvin":2700}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.False(t, light.desired.Power.On())
	assert.Equal(t, protocol.PercentToUint16(50), light.desired.Color.Brightness)
	assert.EqualValues(t, 2700, light.desired.Color.Kelvin)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"unknown field", `{"colour":1}`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"out of range", `{"brightness":120}`, http.StatusUnprocessableEntity},
		{"unknown zone", `{"zone":{"index":3}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPut, url, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp, _ = do(t, http.MethodPut, url, `{"power":true,"brightness":10,"zone":{"index":3}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, light.desired.Power.On(), "rejected command must not change power")
	assert.Equal(t, protocol.PercentToUint16(50), light.desired.Color.Brightness)
}

func TestDiscoveryAndHistory(t *testing.T) {
	var triggers triggerCount
	var last ledger.Query
	history := &stubHistory{last: &last, entries: []*ledger.Entry{
		{ID: 2, EventType: ledger.EventLightOnline, MAC: "D073D5000001"},
		{ID: 1, EventType: ledger.EventLightOffline, MAC: "D073D5000001"},
	}}
	srv, _ := newTestServer(t, Deps{Discovery: &triggers, History: history})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/discovery", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, triggers)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/lights/D073D5000001/history?limit=1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "D073D5000001", last.MAC)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lights/D073D5000001/history?type=light_online&type=light_offline&since=2026-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []ledger.EventType{ledger.EventLightOnline, ledger.EventLightOffline}, last.Types)
	assert.Equal(t, 2026, last.Since.Year())
	assert.Equal(t, 50, last.Limit)

	for _, bad := range []string{"limit=x", "limit=0", "type=bogus", "since=yesterday"} {
		resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lights/D073D5000001/history?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/inventory", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, Deps{Checks: map[string]Check{
		"database": func(context.Context) error { return nil },
		"mqtt":     func(context.Context) error { return errors.New("mqtt: client not connected") },
	}})

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Contains(t, checks["mqtt"], "not connected")
}
