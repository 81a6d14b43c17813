package lifx

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// fakeLink records what components send instead of touching the network.
type fakeLink struct {
	mu          sync.Mutex
	seq         uint8
	online      bool
	sent        []*protocol.Packet
	discoveries int
	transitions []bool
}

func newFakeLink(online bool) *fakeLink {
	return &fakeLink{online: online}
}

func (l *fakeLink) NextSequence() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *fakeLink) SendPacket(p *protocol.Packet) (uint8, error) {
	seq := l.NextSequence()
	l.record(p, seq)
	return seq, nil
}

func (l *fakeLink) ResendPacket(p *protocol.Packet) error {
	l.record(p, p.Sequence)
	return nil
}

func (l *fakeLink) record(p *protocol.Packet, seq uint8) {
	out := &protocol.Packet{Header: p.Header, Payload: p.Payload}
	out.Sequence = seq
	out.Type = p.Payload.Type()
	l.mu.Lock()
	l.sent = append(l.sent, out)
	l.mu.Unlock()
}

func (l *fakeLink) SendDiscovery() error {
	l.mu.Lock()
	l.discoveries++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *fakeLink) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.online != online {
		l.online = online
		l.transitions = append(l.transitions, online)
	}
}

func (l *fakeLink) name() string { return "test" }

// take returns and clears the recorded packets.
func (l *fakeLink) take() []*protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

func (l *fakeLink) discoveryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discoveries
}

func types(ps []*protocol.Packet) []protocol.Type {
	out := make([]protocol.Type, len(ps))
	for i, p := range ps {
		out[i] = p.Type
	}
	return out
}

// manualScheduler never runs periodic work on its own; tests call the
// component's tick directly. After runs synchronously.
type manualScheduler struct {
	mu    sync.Mutex
	every []string
}

type noopTask struct{}

func (noopTask) Cancel() {}

func (s *manualScheduler) Every(name string, _ time.Duration, _ func()) Task {
	s.mu.Lock()
	s.every = append(s.every, name)
	s.mu.Unlock()
	return noopTask{}
}

func (s *manualScheduler) After(_ string, _ time.Duration, fn func()) Task {
	fn()
	return noopTask{}
}

func (s *manualScheduler) Go(_ string, fn func(ctx context.Context)) Task {
	go fn(context.Background())
	return noopTask{}
}

type staticFeatures struct {
	f     protocol.Features
	known bool
}

func (s staticFeatures) Features() (protocol.Features, bool) { return s.f, s.known }

func productFeatures(t *testing.T, id uint32) staticFeatures {
	t.Helper()
	p, ok := protocol.LookupProduct(protocol.VendorLIFX, id)
	if !ok {
		t.Fatalf("product %d not in table", id)
	}
	return staticFeatures{f: p.Features, known: true}
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func reply(m protocol.Message, seq uint8) *protocol.Packet {
	p := protocol.NewPacket(m)
	p.Sequence = seq
	return p
}

// fakeBulb answers protocol requests on a loopback UDP socket.
type fakeBulb struct {
	t       *testing.T
	conn    *net.UDPConn
	mac     protocol.MACAddress
	product uint32

	silent atomic.Bool

	mu       sync.Mutex
	color    protocol.HSBK
	power    protocol.Power
	label    string
	received []*protocol.Packet
}

func newFakeBulb(t *testing.T, mac string, product uint32, label string) *fakeBulb {
	t.Helper()
	addr, err := protocol.ParseMAC(mac)
	if err != nil {
		t.Fatalf("ParseMAC() error = %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	b := &fakeBulb{
		t:       t,
		conn:    conn,
		mac:     addr,
		product: product,
		label:   label,
		power:   protocol.PowerOn,
		color:   protocol.HSBK{Kelvin: 3500},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.serve()
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return b
}

func (b *fakeBulb) Addr() *net.UDPAddr {
	return b.conn.LocalAddr().(*net.UDPAddr)
}

func (b *fakeBulb) setColor(c protocol.HSBK) {
	b.mu.Lock()
	b.color = c
	b.mu.Unlock()
}

func (b *fakeBulb) currentColor() protocol.HSBK {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.color
}

// receivedOf returns every received packet of type t.
func (b *fakeBulb) receivedOf(t protocol.Type) []*protocol.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Packet
	for _, p := range b.received {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBulb) serve() {
	buf := make([]byte, 1500)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		p, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		if !p.Target.IsBroadcast() && p.Target != b.mac {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, p)
		b.mu.Unlock()
		if b.silent.Load() {
			continue
		}
		b.respond(p, from)
	}
}

func (b *fakeBulb) respond(p *protocol.Packet, to *net.UDPAddr) {
	if p.AckRequired {
		b.send(p, to, &protocol.Acknowledgement{})
	}

	b.mu.Lock()
	state := &protocol.State{Color: b.color, Power: b.power, Label: b.label}
	b.mu.Unlock()

	switch m := p.Payload.(type) {
	case *protocol.GetService:
		b.send(p, to, &protocol.StateService{Service: protocol.ServiceUDP, Port: uint32(b.Addr().Port)})
	case *protocol.Get:
		b.send(p, to, state)
	case *protocol.SetColor:
		b.setColor(m.Color)
		if p.ResRequired {
			b.send(p, to, state)
		}
	case *protocol.GetLightPower:
		b.send(p, to, &protocol.StateLightPower{Level: state.Power})
	case *protocol.SetLightPower:
		b.mu.Lock()
		b.power = m.Level
		b.mu.Unlock()
	case *protocol.GetLabel:
		b.send(p, to, &protocol.StateLabel{Label: state.Label})
	case *protocol.GetVersion:
		b.send(p, to, &protocol.StateVersion{Vendor: protocol.VendorLIFX, Product: b.product})
	case *protocol.GetHostFirmware:
		b.send(p, to, &protocol.StateHostFirmware{FirmwareVersion: protocol.FirmwareVersion{Major: 3, Minor: 70}})
	case *protocol.GetWifiFirmware:
		b.send(p, to, &protocol.StateWifiFirmware{FirmwareVersion: protocol.FirmwareVersion{Major: 1, Minor: 2}})
	case *protocol.GetWifiInfo:
		b.send(p, to, &protocol.StateWifiInfo{Signal: 1e-6})
	case *protocol.EchoRequest:
		b.send(p, to, &protocol.EchoResponse{Payload: m.Payload})
	}
}

func (b *fakeBulb) send(req *protocol.Packet, to *net.UDPAddr, m protocol.Message) {
	out := protocol.NewPacket(m)
	out.Source = req.Source
	out.Sequence = req.Sequence
	out.Target = b.mac
	data, err := out.MarshalBinary()
	if err != nil {
		b.t.Errorf("fake bulb encode %s: %v", m.Type(), err)
		return
	}
	_, _ = b.conn.WriteToUDP(data, to)
}
