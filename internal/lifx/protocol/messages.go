package protocol

import (
	"fmt"
	"time"
)

// Type identifies a message kind on the wire.
type Type uint16

const (
	TypeGetService        Type = 2
	TypeStateService      Type = 3
	TypeGetHostFirmware   Type = 14
	TypeStateHostFirmware Type = 15
	TypeGetWifiInfo       Type = 16
	TypeStateWifiInfo     Type = 17
	TypeGetWifiFirmware   Type = 18
	TypeStateWifiFirmware Type = 19
	TypeGetLabel          Type = 23
	TypeStateLabel        Type = 25
	TypeGetVersion        Type = 32
	TypeStateVersion      Type = 33
	TypeAcknowledgement   Type = 45
	TypeEchoRequest       Type = 58
	TypeEchoResponse      Type = 59
	TypeGet               Type = 101
	TypeSetColor          Type = 102
	TypeState             Type = 107
	TypeGetLightPower     Type = 116
	TypeSetLightPower     Type = 117
	TypeStateLightPower   Type = 118
	TypeGetInfrared       Type = 120
	TypeStateInfrared     Type = 121
	TypeSetInfrared       Type = 122
	TypeGetHevCycle       Type = 142
	TypeSetHevCycle       Type = 143
	TypeStateHevCycle     Type = 144
	TypeSetColorZones     Type = 501
	TypeGetColorZones     Type = 502
	TypeStateZone         Type = 503
	TypeStateMultiZone    Type = 506
	TypeGetTileEffect     Type = 718
	TypeSetTileEffect     Type = 719
	TypeStateTileEffect   Type = 720
)

var typeNames = map[Type]string{
	TypeGetService:        "GetService",
	TypeStateService:      "StateService",
	TypeGetHostFirmware:   "GetHostFirmware",
	TypeStateHostFirmware: "StateHostFirmware",
	TypeGetWifiInfo:       "GetWifiInfo",
	TypeStateWifiInfo:     "StateWifiInfo",
	TypeGetWifiFirmware:   "GetWifiFirmware",
	TypeStateWifiFirmware: "StateWifiFirmware",
	TypeGetLabel:          "GetLabel",
	TypeStateLabel:        "StateLabel",
	TypeGetVersion:        "GetVersion",
	TypeStateVersion:      "StateVersion",
	TypeAcknowledgement:   "Acknowledgement",
	TypeEchoRequest:       "EchoRequest",
	TypeEchoResponse:      "EchoResponse",
	TypeGet:               "Get",
	TypeSetColor:          "SetColor",
	TypeState:             "State",
	TypeGetLightPower:     "GetLightPower",
	TypeSetLightPower:     "SetLightPower",
	TypeStateLightPower:   "StateLightPower",
	TypeGetInfrared:       "GetInfrared",
	TypeStateInfrared:     "StateInfrared",
	TypeSetInfrared:       "SetInfrared",
	TypeGetHevCycle:       "GetHevCycle",
	TypeSetHevCycle:       "SetHevCycle",
	TypeStateHevCycle:     "StateHevCycle",
	TypeSetColorZones:     "SetColorZones",
	TypeGetColorZones:     "GetColorZones",
	TypeStateZone:         "StateZone",
	TypeStateMultiZone:    "StateMultiZone",
	TypeGetTileEffect:     "GetTileEffect",
	TypeSetTileEffect:     "SetTileEffect",
	TypeStateTileEffect:   "StateTileEffect",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

// Message is a typed payload. The set of implementations is closed: every
// kind this package knows is listed in newMessage.
type Message interface {
	Type() Type
	appendTo(w *writer)
	readFrom(r *reader)
}

// newMessage returns an empty payload for t.
func newMessage(t Type) (Message, error) {
	switch t {
	case TypeGetService:
		return &GetService{}, nil
	case TypeStateService:
		return &StateService{}, nil
	case TypeGetHostFirmware:
		return &GetHostFirmware{}, nil
	case TypeStateHostFirmware:
		return &StateHostFirmware{}, nil
	case TypeGetWifiInfo:
		return &GetWifiInfo{}, nil
	case TypeStateWifiInfo:
		return &StateWifiInfo{}, nil
	case TypeGetWifiFirmware:
		return &GetWifiFirmware{}, nil
	case TypeStateWifiFirmware:
		return &StateWifiFirmware{}, nil
	case TypeGetLabel:
		return &GetLabel{}, nil
	case TypeStateLabel:
		return &StateLabel{}, nil
	case TypeGetVersion:
		return &GetVersion{}, nil
	case TypeStateVersion:
		return &StateVersion{}, nil
	case TypeAcknowledgement:
		return &Acknowledgement{}, nil
	case TypeEchoRequest:
		return &EchoRequest{}, nil
	case TypeEchoResponse:
		return &EchoResponse{}, nil
	case TypeGet:
		return &Get{}, nil
	case TypeSetColor:
		return &SetColor{}, nil
	case TypeState:
		return &State{}, nil
	case TypeGetLightPower:
		return &GetLightPower{}, nil
	case TypeSetLightPower:
		return &SetLightPower{}, nil
	case TypeStateLightPower:
		return &StateLightPower{}, nil
	case TypeGetInfrared:
		return &GetInfrared{}, nil
	case TypeStateInfrared:
		return &StateInfrared{}, nil
	case TypeSetInfrared:
		return &SetInfrared{}, nil
	case TypeGetHevCycle:
		return &GetHevCycle{}, nil
	case TypeSetHevCycle:
		return &SetHevCycle{}, nil
	case TypeStateHevCycle:
		return &StateHevCycle{}, nil
	case TypeSetColorZones:
		return &SetColorZones{}, nil
	case TypeGetColorZones:
		return &GetColorZones{}, nil
	case TypeStateZone:
		return &StateZone{}, nil
	case TypeStateMultiZone:
		return &StateMultiZone{}, nil
	case TypeGetTileEffect:
		return &GetTileEffect{}, nil
	case TypeSetTileEffect:
		return &SetTileEffect{}, nil
	case TypeStateTileEffect:
		return &StateTileEffect{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
	}
}

// emptyPayload is embedded by request messages that carry no body.
type emptyPayload struct{}

func (emptyPayload) appendTo(*writer)  {}
func (emptyPayload) readFrom(*reader) {}

// ServiceUDP is the only service value devices advertise.
const ServiceUDP uint8 = 1

type GetService struct{ emptyPayload }

func (*GetService) Type() Type { return TypeGetService }

type StateService struct {
	Service uint8
	Port    uint32
}

func (*StateService) Type() Type { return TypeStateService }

func (m *StateService) appendTo(w *writer) {
	w.u8(m.Service)
	w.u32(m.Port)
}

func (m *StateService) readFrom(r *reader) {
	m.Service = r.u8()
	m.Port = r.u32()
}

type GetHostFirmware struct{ emptyPayload }

func (*GetHostFirmware) Type() Type { return TypeGetHostFirmware }

// FirmwareVersion is shared by the host and wifi firmware responses.
type FirmwareVersion struct {
	Build time.Time
	Major uint16
	Minor uint16
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v FirmwareVersion) appendTo(w *writer) {
	var build uint64
	if !v.Build.IsZero() {
		build = uint64(v.Build.UnixNano())
	}
	w.u64(build)
	w.zero(8)
	w.u16(v.Minor)
	w.u16(v.Major)
}

func (v *FirmwareVersion) readFrom(r *reader) {
	if build := r.u64(); build != 0 {
		v.Build = time.Unix(0, int64(build)).UTC()
	}
	r.skip(8)
	v.Minor = r.u16()
	v.Major = r.u16()
}

type StateHostFirmware struct{ FirmwareVersion }

func (*StateHostFirmware) Type() Type { return TypeStateHostFirmware }

type GetWifiInfo struct{ emptyPayload }

func (*GetWifiInfo) Type() Type { return TypeGetWifiInfo }

// StateWifiInfo reports the received signal in milliwatts.
type StateWifiInfo struct {
	Signal float32
}

func (*StateWifiInfo) Type() Type { return TypeStateWifiInfo }

func (m *StateWifiInfo) appendTo(w *writer) {
	w.f32(m.Signal)
	w.zero(10)
}

func (m *StateWifiInfo) readFrom(r *reader) {
	m.Signal = r.f32()
	r.skip(10)
}

type GetWifiFirmware struct{ emptyPayload }

func (*GetWifiFirmware) Type() Type { return TypeGetWifiFirmware }

type StateWifiFirmware struct{ FirmwareVersion }

func (*StateWifiFirmware) Type() Type { return TypeStateWifiFirmware }

const labelSize = 32

type GetLabel struct{ emptyPayload }

func (*GetLabel) Type() Type { return TypeGetLabel }

type StateLabel struct {
	Label string
}

func (*StateLabel) Type() Type { return TypeStateLabel }

func (m *StateLabel) appendTo(w *writer) { w.fixed([]byte(m.Label), labelSize) }
func (m *StateLabel) readFrom(r *reader) { m.Label = r.cstring(labelSize) }

type GetVersion struct{ emptyPayload }

func (*GetVersion) Type() Type { return TypeGetVersion }

type StateVersion struct {
	Vendor  uint32
	Product uint32
	Version uint32
}

func (*StateVersion) Type() Type { return TypeStateVersion }

func (m *StateVersion) appendTo(w *writer) {
	w.u32(m.Vendor)
	w.u32(m.Product)
	w.u32(m.Version)
}

func (m *StateVersion) readFrom(r *reader) {
	m.Vendor = r.u32()
	m.Product = r.u32()
	m.Version = r.u32()
}

type Acknowledgement struct{ emptyPayload }

func (*Acknowledgement) Type() Type { return TypeAcknowledgement }

const echoSize = 64

type EchoRequest struct {
	Payload [echoSize]byte
}

func (*EchoRequest) Type() Type { return TypeEchoRequest }

func (m *EchoRequest) appendTo(w *writer) { w.fixed(m.Payload[:], echoSize) }
func (m *EchoRequest) readFrom(r *reader) { copy(m.Payload[:], r.take(echoSize)) }

type EchoResponse struct {
	Payload [echoSize]byte
}

func (*EchoResponse) Type() Type { return TypeEchoResponse }

func (m *EchoResponse) appendTo(w *writer) { w.fixed(m.Payload[:], echoSize) }
func (m *EchoResponse) readFrom(r *reader) { copy(m.Payload[:], r.take(echoSize)) }

// Get requests the light's State.
type Get struct{ emptyPayload }

func (*Get) Type() Type { return TypeGet }

type SetColor struct {
	Color HSBK
	// Duration is the fade time.
	Duration time.Duration
}

func (*SetColor) Type() Type { return TypeSetColor }

func (m *SetColor) appendTo(w *writer) {
	w.u8(0)
	w.hsbk(m.Color)
	w.u32(millis(m.Duration))
}

func (m *SetColor) readFrom(r *reader) {
	r.skip(1)
	m.Color = r.hsbk()
	m.Duration = time.Duration(r.u32()) * time.Millisecond
}

type State struct {
	Color HSBK
	Power Power
	Label string
}

func (*State) Type() Type { return TypeState }

func (m *State) appendTo(w *writer) {
	w.hsbk(m.Color)
	w.zero(2)
	w.u16(uint16(m.Power))
	w.fixed([]byte(m.Label), labelSize)
	w.zero(8)
}

func (m *State) readFrom(r *reader) {
	m.Color = r.hsbk()
	r.skip(2)
	m.Power = Power(r.u16())
	m.Label = r.cstring(labelSize)
	r.skip(8)
}

type GetLightPower struct{ emptyPayload }

func (*GetLightPower) Type() Type { return TypeGetLightPower }

type SetLightPower struct {
	Level    Power
	Duration time.Duration
}

func (*SetLightPower) Type() Type { return TypeSetLightPower }

func (m *SetLightPower) appendTo(w *writer) {
	w.u16(uint16(m.Level))
	w.u32(millis(m.Duration))
}

func (m *SetLightPower) readFrom(r *reader) {
	m.Level = Power(r.u16())
	m.Duration = time.Duration(r.u32()) * time.Millisecond
}

type StateLightPower struct {
	Level Power
}

func (*StateLightPower) Type() Type { return TypeStateLightPower }

func (m *StateLightPower) appendTo(w *writer) { w.u16(uint16(m.Level)) }
func (m *StateLightPower) readFrom(r *reader) { m.Level = Power(r.u16()) }

type GetInfrared struct{ emptyPayload }

func (*GetInfrared) Type() Type { return TypeGetInfrared }

type StateInfrared struct {
	Brightness uint16
}

func (*StateInfrared) Type() Type { return TypeStateInfrared }

func (m *StateInfrared) appendTo(w *writer) { w.u16(m.Brightness) }
func (m *StateInfrared) readFrom(r *reader) { m.Brightness = r.u16() }

type SetInfrared struct {
	Brightness uint16
}

func (*SetInfrared) Type() Type { return TypeSetInfrared }

func (m *SetInfrared) appendTo(w *writer) { w.u16(m.Brightness) }
func (m *SetInfrared) readFrom(r *reader) { m.Brightness = r.u16() }

type GetHevCycle struct{ emptyPayload }

func (*GetHevCycle) Type() Type { return TypeGetHevCycle }

// SetHevCycle starts or stops a germicidal (UV) cycle. A zero Duration uses
// the device default.
type SetHevCycle struct {
	Enable   bool
	Duration time.Duration
}

func (*SetHevCycle) Type() Type { return TypeSetHevCycle }

func (m *SetHevCycle) appendTo(w *writer) {
	w.bool(m.Enable)
	w.u32(uint32(m.Duration / time.Second))
}

func (m *SetHevCycle) readFrom(r *reader) {
	m.Enable = r.bool()
	m.Duration = time.Duration(r.u32()) * time.Second
}

type StateHevCycle struct {
	Duration  time.Duration
	Remaining time.Duration
	LastPower bool
}

func (*StateHevCycle) Type() Type { return TypeStateHevCycle }

func (m *StateHevCycle) appendTo(w *writer) {
	w.u32(uint32(m.Duration / time.Second))
	w.u32(uint32(m.Remaining / time.Second))
	w.bool(m.LastPower)
}

func (m *StateHevCycle) readFrom(r *reader) {
	m.Duration = time.Duration(r.u32()) * time.Second
	m.Remaining = time.Duration(r.u32()) * time.Second
	m.LastPower = r.bool()
}

// Application modes for SetColorZones.
const (
	ApplyNoApply uint8 = 0
	ApplyApply   uint8 = 1
	ApplyOnly    uint8 = 2
)

type SetColorZones struct {
	StartIndex uint8
	EndIndex   uint8
	Color      HSBK
	Duration   time.Duration
	Apply      uint8
}

func (*SetColorZones) Type() Type { return TypeSetColorZones }

func (m *SetColorZones) appendTo(w *writer) {
	w.u8(m.StartIndex)
	w.u8(m.EndIndex)
	w.hsbk(m.Color)
	w.u32(millis(m.Duration))
	w.u8(m.Apply)
}

func (m *SetColorZones) readFrom(r *reader) {
	m.StartIndex = r.u8()
	m.EndIndex = r.u8()
	m.Color = r.hsbk()
	m.Duration = time.Duration(r.u32()) * time.Millisecond
	m.Apply = r.u8()
}

type GetColorZones struct {
	StartIndex uint8
	EndIndex   uint8
}

func (*GetColorZones) Type() Type { return TypeGetColorZones }

func (m *GetColorZones) appendTo(w *writer) {
	w.u8(m.StartIndex)
	w.u8(m.EndIndex)
}

func (m *GetColorZones) readFrom(r *reader) {
	m.StartIndex = r.u8()
	m.EndIndex = r.u8()
}

// StateZone reports a single zone. Count is the total zone count of the device.
type StateZone struct {
	Count uint8
	Index uint8
	Color HSBK
}

func (*StateZone) Type() Type { return TypeStateZone }

func (m *StateZone) appendTo(w *writer) {
	w.u8(m.Count)
	w.u8(m.Index)
	w.hsbk(m.Color)
}

func (m *StateZone) readFrom(r *reader) {
	m.Count = r.u8()
	m.Index = r.u8()
	m.Color = r.hsbk()
}

// MultiZoneColors is the number of zones carried by one StateMultiZone.
const MultiZoneColors = 8

// StateMultiZone reports up to eight consecutive zones starting at Index.
type StateMultiZone struct {
	Count  uint8
	Index  uint8
	Colors [MultiZoneColors]HSBK
}

func (*StateMultiZone) Type() Type { return TypeStateMultiZone }

func (m *StateMultiZone) appendTo(w *writer) {
	w.u8(m.Count)
	w.u8(m.Index)
	for _, c := range m.Colors {
		w.hsbk(c)
	}
}

func (m *StateMultiZone) readFrom(r *reader) {
	m.Count = r.u8()
	m.Index = r.u8()
	for i := range m.Colors {
		m.Colors[i] = r.hsbk()
	}
}

type GetTileEffect struct{}

func (*GetTileEffect) Type() Type { return TypeGetTileEffect }

func (*GetTileEffect) appendTo(w *writer) { w.zero(2) }
func (*GetTileEffect) readFrom(r *reader) { r.skip(2) }

type SetTileEffect struct {
	Effect Effect
}

func (*SetTileEffect) Type() Type { return TypeSetTileEffect }

func (m *SetTileEffect) appendTo(w *writer) {
	w.zero(2)
	m.Effect.appendTo(w)
}

func (m *SetTileEffect) readFrom(r *reader) {
	r.skip(2)
	m.Effect.readFrom(r)
}

type StateTileEffect struct {
	Effect Effect
}

func (*StateTileEffect) Type() Type { return TypeStateTileEffect }

func (m *StateTileEffect) appendTo(w *writer) {
	w.zero(1)
	m.Effect.appendTo(w)
}

func (m *StateTileEffect) readFrom(r *reader) {
	r.skip(1)
	m.Effect.readFrom(r)
}

func millis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}
