package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/db"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestRecordAndFind(t *testing.T) {
	l := openLedger(t)
	desk := protocol.MACAddress{0xD0, 0x73, 0xD5, 0, 0, 1}

	require.NoError(t, l.RecordOnline(desk.Hex(), "engine-1", true))
	require.NoError(t, l.RecordFailure(desk.Hex(), "engine-1", lifx.Failure{Type: protocol.TypeSetColorZones, Zone: 3, Attempts: 4}))
	require.NoError(t, l.RecordOnline("D073D5000002", "engine-2", false))
	require.NoError(t, l.RecordDiscovery(lifx.DiscoveryResult{ScanID: "scan-1", MAC: desk, Host: "10.0.0.5:56700", Label: "Desk"}))

	byMAC, err := l.Find(Query{MAC: desk.Hex()})
	require.NoError(t, err)
	require.Len(t, byMAC, 3)
	assert.Equal(t, EventDeviceDiscovered, byMAC[0].EventType)
	assert.Equal(t, "scan-1", byMAC[0].Ref)
	assert.Equal(t, "Desk", byMAC[0].Payload["label"])
	assert.EqualValues(t, 3, byMAC[1].Payload["zone"])
	assert.EqualValues(t, 4, byMAC[1].Payload["attempts"])
	assert.Nil(t, byMAC[2].Payload)

	transitions, err := l.Find(Query{Types: []EventType{EventLightOnline, EventLightOffline}})
	require.NoError(t, err)
	assert.Len(t, transitions, 2)

	limited, err := l.Find(Query{Types: []EventType{EventLightOnline, EventLightOffline}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "D073D5000002", limited[0].MAC)
}

func TestFindTimeRangeAndRetention(t *testing.T) {
	l := openLedger(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base.Add(-48 * time.Hour) }
	require.NoError(t, l.RecordOnline("D073D5000001", "", false))
	l.now = func() time.Time { return base }
	require.NoError(t, l.RecordOnline("D073D5000001", "", true))

	recent, err := l.Find(Query{Since: base.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, EventLightOnline, recent[0].EventType)

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	rest, err := l.Find(Query{Until: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in      string
		want    EventType
		wantErr bool
	}{
		{"light_online", EventLightOnline, false},
		{"delivery_failed", EventDeliveryFailed, false},
		{"online", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEventType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseEventType(%q) = %q, %v", tt.in, got, err)
		}
	}
}
