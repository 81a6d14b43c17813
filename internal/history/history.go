// Package history writes observed light state to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
)

// Measurements.
const (
	MeasurementState    = "light_state"
	MeasurementOnline   = "light_online"
	MeasurementDelivery = "light_delivery_failure"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb: disabled")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// PointWriter is the non-blocking write surface of api.WriteAPI.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Recorder turns bus events into points.
type Recorder struct {
	w   PointWriter
	now func() time.Time
}

func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// Register subscribes the recorder to bus.
func (r *Recorder) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeState, func(e eventbus.Event) {
		if snap, ok := e.Data[eventbus.KeySnapshot].(lifx.Snapshot); ok {
			r.RecordState(e.MAC(), snap)
		}
	})
	bus.Subscribe(eventbus.EventTypeOnline, func(e eventbus.Event) {
		online, _ := e.Data[eventbus.KeyOnline].(bool)
		r.RecordOnline(e.MAC(), online)
	})
	bus.Subscribe(eventbus.EventTypeDeliveryFailed, func(e eventbus.Event) {
		if f, ok := e.Data[eventbus.KeyFailure].(lifx.Failure); ok {
			r.RecordFailure(e.MAC(), f)
		}
	})
}

func (r *Recorder) RecordState(mac string, s lifx.Snapshot) {
	fields := map[string]interface{}{
		"power":      s.Power.On(),
		"hue":        s.Color.HueDegrees(),
		"saturation": s.Color.SaturationPercent(),
		"brightness": s.Color.BrightnessPercent(),
		"kelvin":     int64(s.Color.Kelvin),
		"infrared":   int64(s.Infrared),
		"hev_active": s.HevCycle.Remaining > 0,
	}
	if s.Signal > 0 {
		fields["rssi"] = s.RSSI()
		fields["signal_strength"] = int64(s.SignalStrength())
	}
	r.w.WritePoint(write.NewPoint(MeasurementState, map[string]string{"mac": mac}, fields, r.now()))
}

func (r *Recorder) RecordOnline(mac string, online bool) {
	r.w.WritePoint(write.NewPoint(MeasurementOnline,
		map[string]string{"mac": mac},
		map[string]interface{}{"online": online},
		r.now()))
}

func (r *Recorder) RecordFailure(mac string, f lifx.Failure) {
	r.w.WritePoint(write.NewPoint(MeasurementDelivery,
		map[string]string{"mac": mac, "type": f.Type.String()},
		map[string]interface{}{"attempts": int64(f.Attempts), "zone": int64(f.Zone)},
		r.now()))
}

// Client owns the InfluxDB connection and its batching write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect pings the server and opens a batching write API.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval.Duration().Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func(errs <-chan error) {
		for err := range errs {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}(c.writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")
	return c, nil
}

// Writer returns the batching write API.
func (c *Client) Writer() PointWriter { return c.writeAPI }

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return errors.New("influxdb health check: server not healthy")
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}
