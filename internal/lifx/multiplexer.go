package lifx

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// Channel names used by the transport.
const (
	ChannelBroadcast = "broadcast"
	ChannelUnicast   = "unicast"
)

const (
	maxDatagramSize = 1024
	inboxSize       = 256
)

var (
	// ErrChannelClosed is returned when writing to a channel that is not open.
	ErrChannelClosed = errors.New("lifx: channel not open")

	// ErrMultiplexerClosed is returned by Open after Close.
	ErrMultiplexerClosed = errors.New("lifx: multiplexer closed")
)

// Datagram is one inbound UDP payload and the channel it arrived on.
type Datagram struct {
	Channel string
	From    *net.UDPAddr
	Data    []byte
}

type channel struct {
	name string
	conn *net.UDPConn
	done chan struct{}
}

// Multiplexer owns a set of named UDP sockets and merges everything they
// receive into a single inbox that callers drain without blocking.
type Multiplexer struct {
	mu       sync.Mutex
	channels map[string]*channel
	closed   bool

	inbox chan Datagram
	wg    sync.WaitGroup
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		channels: make(map[string]*channel),
		inbox:    make(chan Datagram, inboxSize),
	}
}

// Open binds a socket for the named channel. A nil laddr binds an ephemeral
// port on all interfaces. An existing channel with the same name is closed
// and replaced, which is how the unicast side is rebound when a device moves.
func (m *Multiplexer) Open(name string, laddr *net.UDPAddr) error {
	if laddr == nil {
		laddr = &net.UDPAddr{}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("opening %s channel: %w", name, err)
	}

	ch := &channel{name: name, conn: conn, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrMultiplexerClosed
	}
	old := m.channels[name]
	m.channels[name] = ch
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	go m.read(ch)

	log.Debug().Str("channel", name).Str("local", conn.LocalAddr().String()).Msg("Channel opened")
	return nil
}

// Has reports whether the named channel is open.
func (m *Multiplexer) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[name]
	return ok
}

// LocalAddr returns the bound address of the named channel.
func (m *Multiplexer) LocalAddr(name string) (*net.UDPAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, false
	}
	return ch.conn.LocalAddr().(*net.UDPAddr), true
}

// CloseChannel closes one channel if it is open.
func (m *Multiplexer) CloseChannel(name string) {
	m.mu.Lock()
	ch := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()
	if ch != nil {
		ch.close()
	}
}

// WriteTo sends b through the named channel.
func (m *Multiplexer) WriteTo(name string, b []byte, addr *net.UDPAddr) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelClosed, name)
	}
	if _, err := ch.conn.WriteToUDP(b, addr); err != nil {
		return fmt.Errorf("writing to %s via %s: %w", addr, name, err)
	}
	return nil
}

// Drain returns everything received since the last call. It never blocks.
func (m *Multiplexer) Drain() []Datagram {
	var out []Datagram
	for {
		select {
		case d := <-m.inbox:
			out = append(out, d)
		default:
			return out
		}
	}
}

// Close closes all channels and waits for their readers to exit.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	channels := m.channels
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	m.wg.Wait()
}

func (m *Multiplexer) read(ch *channel) {
	defer m.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ch.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("channel", ch.name).Msg("UDP read failed")
			continue
		}

		d := Datagram{Channel: ch.name, From: from, Data: append([]byte(nil), buf[:n]...)}
		select {
		case m.inbox <- d:
		default:
			log.Warn().Str("channel", ch.name).Str("from", from.String()).Msg("Inbox full, dropping datagram")
		}
	}
}

func (c *channel) close() {
	close(c.done)
	c.conn.Close()
}

// BroadcastAddrs lists the IPv4 broadcast address of every up, non-loopback
// interface, with port. It falls back to the limited broadcast address.
func BroadcastAddrs(port int) []*net.UDPAddr {
	var out []*net.UDPAddr
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn().Err(err).Msg("Listing interfaces failed, using limited broadcast")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	if len(out) == 0 {
		out = append(out, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	return out
}
