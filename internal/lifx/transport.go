package lifx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// DefaultPacketInterval is the minimum spacing between packets sent to one
// device, and the rate at which inbound packets are drained.
const DefaultPacketInterval = 50 * time.Millisecond

const handoffSize = 256

var (
	// ErrNoEndpoint is returned when neither a MAC address nor a host is configured.
	ErrNoEndpoint = errors.New("lifx: mac address or host required")

	// ErrNotStarted is returned when sending through a stopped transport.
	ErrNotStarted = errors.New("lifx: transport not started")
)

// PacketListener receives every inbound packet addressed to this device.
type PacketListener interface {
	HandlePacket(p *protocol.Packet)
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(p *protocol.Packet)

func (f PacketListenerFunc) HandlePacket(p *protocol.Packet) { f(p) }

// OnlineListener is told about online/offline transitions.
type OnlineListener interface {
	OnlineChanged(online bool)
}

// OnlineListenerFunc adapts a function to OnlineListener.
type OnlineListenerFunc func(online bool)

func (f OnlineListenerFunc) OnlineChanged(online bool) { f(online) }

// link is the part of the transport the periodic components depend on.
type link interface {
	NextSequence() uint8
	SendPacket(p *protocol.Packet) (uint8, error)
	ResendPacket(p *protocol.Packet) error
	SendDiscovery() error
	Online() bool
	SetOnline(online bool)
	name() string
}

// TransportConfig addresses one device. A zero MAC is learned from the
// first service response; a nil Host means the device is found by broadcast.
// BroadcastAddrs defaults to the broadcast address of every interface.
type TransportConfig struct {
	MAC            protocol.MACAddress
	Host           *net.UDPAddr
	BroadcastAddrs []*net.UDPAddr
	PacketInterval time.Duration
}

// Transport is the communication layer for one device. It owns the
// connection, paces outbound packets, drains inbound ones on a fixed interval,
// filters them down to this device and hands them to listeners on a separate
// goroutine so that listeners may send without deadlocking on the transport.
type Transport struct {
	cfg     TransportConfig
	sched   Scheduler
	limiter *rate.Limiter

	// open builds the multiplexer; replaced in tests
	open func() (*Multiplexer, error)

	mu      sync.Mutex
	parent  context.Context // set by Start, cleared by Stop; a nil conn with a parent is retried
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *Connection
	online  bool
	tasks   []Task
	handoff chan *protocol.Packet

	packetListeners registry[PacketListener]
	onlineListeners registry[OnlineListener]
}

// NewTransport validates cfg and returns a stopped transport.
func NewTransport(cfg TransportConfig, sched Scheduler) (*Transport, error) {
	if cfg.MAC.IsBroadcast() && cfg.Host == nil {
		return nil, ErrNoEndpoint
	}
	if cfg.PacketInterval <= 0 {
		cfg.PacketInterval = DefaultPacketInterval
	}
	if len(cfg.BroadcastAddrs) == 0 {
		cfg.BroadcastAddrs = BroadcastAddrs(protocol.DefaultPort)
	}
	t := &Transport{
		cfg:     cfg,
		sched:   sched,
		limiter: rate.NewLimiter(rate.Every(cfg.PacketInterval), 1),
	}
	t.open = t.openMultiplexer
	return t, nil
}

func (t *Transport) openMultiplexer() (*Multiplexer, error) {
	mux := NewMultiplexer()
	if err := mux.Open(ChannelBroadcast, nil); err != nil {
		mux.Close()
		return nil, fmt.Errorf("open broadcast channel: %w", err)
	}
	if t.cfg.Host != nil {
		if err := mux.Open(ChannelUnicast, nil); err != nil {
			mux.Close()
			return nil, fmt.Errorf("open unicast channel: %w", err)
		}
	}
	return mux, nil
}

// Start opens the channels, schedules packet draining and sends the first
// GetService. A failure leaves the device offline and the next
// SendDiscovery (the online monitor's offline tick) opens it again.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.parent = ctx

	mux, err := t.open()
	if err != nil {
		t.mu.Unlock()
		log.Error().Err(err).Str("light", t.name()).Msg("Failed to open transport")
		return err
	}

	t.conn = newConnection(mux, t.cfg.MAC, t.cfg.Host)
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.handoff = make(chan *protocol.Packet, handoffSize)
	handoff := t.handoff
	t.tasks = []Task{
		t.sched.Every("lifx.receive", t.cfg.PacketInterval, t.receiveAndHandlePackets),
		t.sched.Go("lifx.dispatch", func(ctx context.Context) { t.dispatch(ctx, handoff) }),
	}
	source := t.conn.source
	t.mu.Unlock()

	log.Info().
		Str("light", t.name()).
		Uint32("source", source).
		Bool("fixed_host", t.cfg.Host != nil).
		Msg("Transport started")

	if err := t.SendDiscovery(); err != nil {
		log.Warn().Err(err).Str("light", t.name()).Msg("Initial GetService failed")
	}
	return nil
}

// Stop cancels the transport's tasks and closes its channels.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.parent = nil
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return
	}
	tasks := t.tasks
	cancel := t.cancel
	t.conn = nil
	t.tasks = nil
	t.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
	cancel()
	conn.mux.Close()
	t.SetOnline(false)

	log.Info().Str("light", t.name()).Msg("Transport stopped")
}

// AddPacketListener registers l and returns a function that removes it.
func (t *Transport) AddPacketListener(l PacketListener) func() {
	return t.packetListeners.add(l)
}

// AddOnlineListener registers l and returns a function that removes it.
func (t *Transport) AddOnlineListener(l OnlineListener) func() {
	return t.onlineListeners.add(l)
}

// Online reports whether the device is presumed reachable.
func (t *Transport) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// SetOnline records an online/offline transition and notifies listeners.
// Setting the current value is a no-op.
func (t *Transport) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	t.mu.Unlock()

	if online {
		log.Info().Str("light", t.name()).Msg("Light online")
	} else {
		log.Info().Str("light", t.name()).Msg("Light offline")
	}
	for _, l := range t.onlineListeners.snapshot() {
		l.OnlineChanged(online)
	}
}

// MAC returns the configured or learned hardware address.
func (t *Transport) MAC() protocol.MACAddress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.mac
	}
	return t.cfg.MAC
}

// Endpoint returns the device's current unicast address, if known.
func (t *Transport) Endpoint() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.endpoint == nil {
		return nil
	}
	ep := *t.conn.endpoint
	return &ep
}

// NextSequence allocates a sequence number from the current connection.
func (t *Transport) NextSequence() uint8 {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0
	}
	return conn.seq.Next()
}

// SendPacket sends p with a fresh sequence number, unicast when the endpoint
// is known and broadcast otherwise. The sequence number used is returned.
func (t *Transport) SendPacket(p *protocol.Packet) (uint8, error) {
	seq := t.NextSequence()
	return seq, t.send(p, seq, false)
}

// ResendPacket sends p again with its original sequence number.
func (t *Transport) ResendPacket(p *protocol.Packet) error {
	return t.send(p, p.Sequence, false)
}

// BroadcastPacket sends p to every broadcast address with a zero target.
func (t *Transport) BroadcastPacket(p *protocol.Packet) (uint8, error) {
	seq := t.NextSequence()
	return seq, t.send(p, seq, true)
}

// SendDiscovery sends GetService: unicast to the fixed host when one is
// configured, broadcast otherwise.
func (t *Transport) SendDiscovery() error {
	if reopened, err := t.reopen(); reopened || err != nil {
		// a successful Start has already sent GetService
		return err
	}
	p := protocol.NewPacket(&protocol.GetService{})
	var err error
	if t.cfg.Host != nil {
		_, err = t.SendPacket(p)
	} else {
		_, err = t.BroadcastPacket(p)
	}
	return err
}

// reopen retries Start after a failed open. A stopped transport stays closed.
func (t *Transport) reopen() (bool, error) {
	t.mu.Lock()
	parent, closed := t.parent, t.conn == nil
	t.mu.Unlock()
	if !closed || parent == nil || parent.Err() != nil {
		return false, nil
	}
	log.Info().Str("light", t.name()).Msg("Retrying transport start")
	if err := t.Start(parent); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Transport) send(p *protocol.Packet, seq uint8, broadcast bool) error {
	t.mu.Lock()
	conn, ctx := t.conn, t.ctx
	if conn == nil {
		t.mu.Unlock()
		return ErrNotStarted
	}
	out := &protocol.Packet{Header: p.Header, Payload: p.Payload}
	out.Source = conn.source
	out.Sequence = seq
	if broadcast {
		out.Target = protocol.BroadcastMAC
	} else {
		out.Target = conn.mac
	}
	endpoint := conn.endpoint
	t.mu.Unlock()

	b, err := out.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p.Payload.Type(), err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	if !broadcast && endpoint != nil {
		err = conn.mux.WriteTo(ChannelUnicast, b, endpoint)
	} else {
		err = t.writeBroadcast(conn, b)
	}
	if err != nil {
		log.Warn().Err(err).
			Str("light", t.name()).
			Str("type", p.Payload.Type().String()).
			Msg("Send failed")
		t.SetOnline(false)
		return err
	}

	log.Trace().
		Str("light", t.name()).
		Str("type", p.Payload.Type().String()).
		Uint8("seq", seq).
		Bool("ack", out.AckRequired).
		Bool("broadcast", broadcast || endpoint == nil).
		Msg("Packet sent")
	return nil
}

func (t *Transport) writeBroadcast(conn *Connection, b []byte) error {
	var errs []error
	for _, addr := range t.cfg.BroadcastAddrs {
		if err := conn.mux.WriteTo(ChannelBroadcast, b, addr); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(t.cfg.BroadcastAddrs) {
		return errors.Join(errs...)
	}
	return nil
}

// receiveAndHandlePackets drains the multiplexer, keeps packets meant for
// this device and queues them for dispatch.
func (t *Transport) receiveAndHandlePackets() {
	t.mu.Lock()
	conn, handoff := t.conn, t.handoff
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for _, d := range conn.mux.Drain() {
		p, err := protocol.Decode(d.Data)
		if err != nil {
			log.Debug().Err(err).Str("light", t.name()).Str("from", d.From.String()).Msg("Dropping undecodable packet")
			continue
		}
		if !t.accepts(conn, p, d.From) {
			continue
		}
		if ss, ok := p.Payload.(*protocol.StateService); ok {
			t.handleStateService(conn, p, ss, d.From)
		}

		select {
		case handoff <- p:
		default:
			log.Warn().Str("light", t.name()).Str("type", p.Type.String()).Msg("Dispatch queue full, dropping packet")
		}
	}
}

func (t *Transport) accepts(conn *Connection, p *protocol.Packet, from *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return conn.accepts(p, from, t.cfg.Host)
}

// handleStateService learns the MAC address on first contact and rebinds the
// unicast channel when the device's endpoint changes or it comes back.
func (t *Transport) handleStateService(conn *Connection, p *protocol.Packet, ss *protocol.StateService, from *net.UDPAddr) {
	if ss.Service != protocol.ServiceUDP || from == nil {
		return
	}
	endpoint := &net.UDPAddr{IP: from.IP, Port: int(ss.Port)}

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	learned := false
	if conn.mac.IsBroadcast() && !p.Target.IsBroadcast() {
		conn.mac = p.Target
		learned = true
	}
	changed := !sameEndpoint(conn.endpoint, endpoint) || conn.service != ss.Service || !t.online
	var err error
	if changed {
		conn.endpoint = endpoint
		conn.service = ss.Service
		err = conn.mux.Open(ChannelUnicast, nil)
	}
	t.mu.Unlock()

	if learned {
		log.Info().Str("light", t.name()).Str("mac", p.Target.String()).Msg("Learned MAC address")
	}
	if !changed {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("light", t.name()).Msg("Failed to reopen unicast channel")
		t.SetOnline(false)
		return
	}
	log.Debug().Str("light", t.name()).Str("endpoint", endpoint.String()).Msg("Unicast channel bound")
	t.SetOnline(true)
}

func (t *Transport) dispatch(ctx context.Context, handoff <-chan *protocol.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-handoff:
			for _, l := range t.packetListeners.snapshot() {
				t.deliver(l, p)
			}
		}
	}
}

func (t *Transport) deliver(l PacketListener, p *protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("light", t.name()).
				Str("type", p.Type.String()).
				Msg("Packet handler panicked")
		}
	}()
	l.HandlePacket(p)
}

// name identifies the device in logs. Callers must not hold t.mu.
func (t *Transport) name() string {
	if mac := t.MAC(); !mac.IsBroadcast() {
		return mac.String()
	}
	if t.cfg.Host != nil {
		return t.cfg.Host.String()
	}
	return "unknown"
}
