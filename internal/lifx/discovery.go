package lifx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const (
	DefaultDiscoveryWindow   = 8 * time.Second
	DefaultDiscoveryDebounce = 200 * time.Millisecond
	DefaultDiscoveryInterval = 60 * time.Second
)

// ErrScanInProgress is returned by Scan while another pass is running.
var ErrScanInProgress = errors.New("lifx: discovery scan already running")

// DiscoveryResult is one supported device found by a scan.
type DiscoveryResult struct {
	ScanID      string              `json:"scan_id"`
	MAC         protocol.MACAddress `json:"mac"`
	Host        string              `json:"host"`
	Label       string              `json:"label"`
	ProductID   uint32              `json:"product_id"`
	ProductName string              `json:"product_name"`
	VendorID    uint32              `json:"vendor_id"`
	VendorName  string              `json:"vendor_name"`
	Features    []string            `json:"features"`
	SeenAt      time.Time           `json:"seen_at"`
}

// DiscoveryListener receives results as a scan completes each device.
type DiscoveryListener interface {
	DeviceDiscovered(r DiscoveryResult)
}

// DiscoveryListenerFunc adapts a function to DiscoveryListener.
type DiscoveryListenerFunc func(r DiscoveryResult)

func (f DiscoveryListenerFunc) DeviceDiscovered(r DiscoveryResult) { f(r) }

// DiscoveryConfig tunes scanning.
type DiscoveryConfig struct {
	Window         time.Duration
	Debounce       time.Duration
	PacketInterval time.Duration
	BroadcastAddrs []*net.UDPAddr
}

// Discovery finds devices by broadcasting service probes and following up
// with label and version requests until each device is identified.
type Discovery struct {
	cfg DiscoveryConfig

	mu      sync.Mutex
	running bool
	trigger chan struct{}

	listeners registry[DiscoveryListener]
}

func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.Window <= 0 {
		cfg.Window = DefaultDiscoveryWindow
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDiscoveryDebounce
	}
	if cfg.PacketInterval <= 0 {
		cfg.PacketInterval = DefaultPacketInterval
	}
	if len(cfg.BroadcastAddrs) == 0 {
		cfg.BroadcastAddrs = BroadcastAddrs(protocol.DefaultPort)
	}
	return &Discovery{cfg: cfg, trigger: make(chan struct{}, 1)}
}

// AddListener registers l and returns a function that removes it.
func (d *Discovery) AddListener(l DiscoveryListener) func() {
	return d.listeners.add(l)
}

// Trigger asks a running background loop for an extra scan.
func (d *Discovery) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run scans immediately, then every interval and on Trigger, until ctx ends.
func (d *Discovery) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	log.Info().Dur("interval", interval).Dur("window", d.cfg.Window).Msg("Background discovery started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Discovery scan failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Background discovery stopping")
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

// Scan runs one discovery pass and returns every device it completed.
// Listeners are notified as each device completes.
func (d *Discovery) Scan(ctx context.Context) ([]DiscoveryResult, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, ErrScanInProgress
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	mux := NewMultiplexer()
	defer mux.Close()
	if err := mux.Open(ChannelBroadcast, nil); err != nil {
		return nil, err
	}

	s := &scan{
		id:      uuid.NewString(),
		cfg:     d.cfg,
		mux:     mux,
		source:  newSource(),
		limiter: rate.NewLimiter(rate.Every(d.cfg.PacketInterval), 1),
		records: make(map[protocol.MACAddress]*discoveryRecord),
		emit:    d.emit,
	}
	log.Debug().Str("scan_id", s.id).Msg("Discovery scan started")

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Window)
	defer cancel()

	if err := s.broadcast(ctx, &protocol.GetService{}); err != nil {
		return nil, fmt.Errorf("sending service probe: %w", err)
	}

	ticker := time.NewTicker(d.cfg.PacketInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("scan_id", s.id).
				Int("candidates", len(s.records)).
				Int("found", len(s.results)).
				Msg("Discovery scan finished")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s.results, nil
			}
			return s.results, ctx.Err()
		case <-ticker.C:
			s.receive()
			s.requestMissing(ctx, time.Now())
		}
	}
}

func (d *Discovery) emit(r DiscoveryResult) {
	log.Info().
		Str("mac", r.MAC.String()).
		Str("label", r.Label).
		Str("product", r.ProductName).
		Str("host", r.Host).
		Msg("Discovered light")
	for _, l := range d.listeners.snapshot() {
		l.DeviceDiscovered(r)
	}
}

type discoveryRecord struct {
	mac         protocol.MACAddress
	endpoint    *net.UDPAddr
	channel     string
	label       string
	hasLabel    bool
	product     protocol.Product
	hasProduct  bool
	unsupported bool
	emitted     bool
	lastRequest time.Time
}

func (r *discoveryRecord) complete() bool {
	return r.hasLabel && r.hasProduct
}

func (r *discoveryRecord) result(scanID string) DiscoveryResult {
	label := r.label
	if label == "" {
		label = r.product.Name
	}
	return DiscoveryResult{
		ScanID:      scanID,
		MAC:         r.mac,
		Host:        r.endpoint.String(),
		Label:       label,
		ProductID:   r.product.ID,
		ProductName: r.product.Name,
		VendorID:    r.product.VendorID,
		VendorName:  r.product.VendorName(),
		Features:    r.product.Features.Names(),
		SeenAt:      time.Now(),
	}
}

// scan is the state of one pass. It is only touched by the goroutine
// running Scan.
type scan struct {
	id      string
	cfg     DiscoveryConfig
	mux     *Multiplexer
	source  uint32
	seq     SequenceCounter
	limiter *rate.Limiter
	records map[protocol.MACAddress]*discoveryRecord
	results []DiscoveryResult
	emit    func(DiscoveryResult)
}

func (s *scan) encode(m protocol.Message, target protocol.MACAddress) ([]byte, error) {
	p := protocol.NewPacket(m)
	p.Source = s.source
	p.Sequence = s.seq.Next()
	p.Target = target
	p.ResRequired = true
	return p.MarshalBinary()
}

func (s *scan) broadcast(ctx context.Context, m protocol.Message) error {
	b, err := s.encode(m, protocol.BroadcastMAC)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	var errs []error
	for _, addr := range s.cfg.BroadcastAddrs {
		if err := s.mux.WriteTo(ChannelBroadcast, b, addr); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(s.cfg.BroadcastAddrs) {
		return errors.Join(errs...)
	}
	return nil
}

func (s *scan) unicast(ctx context.Context, rec *discoveryRecord, m protocol.Message) error {
	b, err := s.encode(m, rec.mac)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.mux.WriteTo(rec.channel, b, rec.endpoint)
}

func (s *scan) receive() {
	for _, d := range s.mux.Drain() {
		p, err := protocol.Decode(d.Data)
		if err != nil {
			log.Debug().Err(err).Str("from", d.From.String()).Msg("Dropping undecodable discovery packet")
			continue
		}
		if p.Source != 0 && p.Source != s.source {
			continue
		}
		s.handle(p, d.From)
	}
}

func (s *scan) handle(p *protocol.Packet, from *net.UDPAddr) {
	switch m := p.Payload.(type) {
	case *protocol.StateService:
		if m.Service != protocol.ServiceUDP || p.Target.IsBroadcast() {
			return
		}
		endpoint := &net.UDPAddr{IP: from.IP, Port: int(m.Port)}
		rec := s.records[p.Target]
		if rec != nil && sameEndpoint(rec.endpoint, endpoint) {
			return
		}
		rec = &discoveryRecord{
			mac:      p.Target,
			endpoint: endpoint,
			channel:  "device:" + p.Target.Hex(),
		}
		if err := s.mux.Open(rec.channel, nil); err != nil {
			log.Warn().Err(err).Str("mac", p.Target.String()).Msg("Failed to open discovery channel")
			return
		}
		s.records[p.Target] = rec
		log.Debug().Str("scan_id", s.id).Str("mac", rec.mac.String()).Str("endpoint", endpoint.String()).Msg("Discovery candidate")

	case *protocol.StateLabel:
		rec := s.records[p.Target]
		if rec == nil {
			return
		}
		rec.label = m.Label
		rec.hasLabel = true
		s.maybeEmit(rec)

	case *protocol.StateVersion:
		rec := s.records[p.Target]
		if rec == nil || rec.hasProduct || rec.unsupported {
			return
		}
		product, ok := protocol.LookupProduct(m.Vendor, m.Product)
		if !ok {
			rec.unsupported = true
			log.Info().
				Str("mac", rec.mac.String()).
				Uint32("vendor", m.Vendor).
				Uint32("product", m.Product).
				Msg("Ignoring unsupported product")
			return
		}
		rec.product = product
		rec.hasProduct = true
		s.maybeEmit(rec)
	}
}

func (s *scan) maybeEmit(rec *discoveryRecord) {
	if rec.emitted || rec.unsupported || !rec.complete() {
		return
	}
	rec.emitted = true
	r := rec.result(s.id)
	s.results = append(s.results, r)
	s.emit(r)
}

// requestMissing asks every incomplete record for what it still lacks,
// unless it was asked within the debounce window.
func (s *scan) requestMissing(ctx context.Context, now time.Time) {
	pending := make([]*discoveryRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.unsupported || rec.complete() || now.Sub(rec.lastRequest) < s.cfg.Debounce {
			continue
		}
		pending = append(pending, rec)
	}

	for _, rec := range pending {
		rec.lastRequest = now
		if !rec.hasLabel {
			if err := s.unicast(ctx, rec, &protocol.GetLabel{}); err != nil {
				log.Debug().Err(err).Str("mac", rec.mac.String()).Msg("Label request failed")
			}
		}
		if !rec.hasProduct {
			if err := s.unicast(ctx, rec, &protocol.GetVersion{}); err != nil {
				log.Debug().Err(err).Str("mac", rec.mac.String()).Msg("Version request failed")
			}
		}
	}
}
