package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MACAddress is the 6-byte hardware address that identifies a light.
// The zero value is the broadcast target.
type MACAddress [6]byte

// BroadcastMAC targets every device on the network.
var BroadcastMAC = MACAddress{}

// ParseMAC accepts "D073D5123456", "d0:73:d5:12:34:56" and "d0-73-d5-12-34-56".
func ParseMAC(s string) (MACAddress, error) {
	var mac MACAddress
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if len(clean) != 12 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return mac, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	copy(mac[:], b)
	return mac, nil
}

// IsBroadcast reports whether the address is the all-zero broadcast target.
func (m MACAddress) IsBroadcast() bool {
	return m == BroadcastMAC
}

// Hex returns the address as 12 upper-case hex digits without separators.
func (m MACAddress) Hex() string {
	return strings.ToUpper(hex.EncodeToString(m[:]))
}

// String returns the colon separated form.
func (m MACAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MarshalText implements encoding.TextMarshaler so MACs serialize as hex strings.
func (m MACAddress) MarshalText() ([]byte, error) {
	return []byte(m.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MACAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
