package protocol

import (
	"fmt"
	"strings"
	"time"
)

// EffectType selects a firmware effect on matrix devices.
type EffectType uint8

const (
	EffectOff   EffectType = 0
	EffectMorph EffectType = 2
	EffectFlame EffectType = 3
)

func (t EffectType) String() string {
	switch t {
	case EffectOff:
		return "off"
	case EffectMorph:
		return "morph"
	case EffectFlame:
		return "flame"
	default:
		return fmt.Sprintf("effect(%d)", uint8(t))
	}
}

func (t EffectType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EffectType) UnmarshalText(b []byte) error {
	v, err := ParseEffectType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseEffectType is the inverse of EffectType.String.
func ParseEffectType(s string) (EffectType, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return EffectOff, nil
	case "morph":
		return EffectMorph, nil
	case "flame":
		return EffectFlame, nil
	}
	return EffectOff, fmt.Errorf("unknown effect %q", s)
}

// MaxPaletteColors is the palette capacity of the tile effect messages.
const MaxPaletteColors = 16

// Effect describes a running (or stopped) tile effect. A zero Duration runs
// the effect until it is replaced.
type Effect struct {
	InstanceID uint32        `json:"instance_id"`
	Type       EffectType    `json:"type"`
	Speed      time.Duration `json:"speed"`
	Duration   time.Duration `json:"duration"`
	Palette    []HSBK        `json:"palette,omitempty"`
}

// Equal compares everything but the instance id, which devices assign.
func (e Effect) Equal(o Effect) bool {
	if e.Type != o.Type || e.Speed != o.Speed || e.Duration != o.Duration || len(e.Palette) != len(o.Palette) {
		return false
	}
	for i := range e.Palette {
		if e.Palette[i] != o.Palette[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share the palette.
func (e Effect) Clone() Effect {
	if e.Palette != nil {
		e.Palette = append([]HSBK(nil), e.Palette...)
	}
	return e
}

func (e Effect) appendTo(w *writer) {
	w.u32(e.InstanceID)
	w.u8(uint8(e.Type))
	w.u32(millis(e.Speed))
	var d uint64
	if e.Duration > 0 {
		d = uint64(e.Duration)
	}
	w.u64(d)
	w.zero(8)
	w.zero(32) // parameters
	palette := e.Palette
	if len(palette) > MaxPaletteColors {
		palette = palette[:MaxPaletteColors]
	}
	w.u8(uint8(len(palette)))
	for i := 0; i < MaxPaletteColors; i++ {
		if i < len(palette) {
			w.hsbk(palette[i])
		} else {
			w.hsbk(HSBK{})
		}
	}
}

func (e *Effect) readFrom(r *reader) {
	e.InstanceID = r.u32()
	e.Type = EffectType(r.u8())
	e.Speed = time.Duration(r.u32()) * time.Millisecond
	e.Duration = time.Duration(r.u64())
	r.skip(8)
	r.skip(32)
	count := int(r.u8())
	if count > MaxPaletteColors {
		count = MaxPaletteColors
	}
	e.Palette = nil
	for i := 0; i < MaxPaletteColors; i++ {
		c := r.hsbk()
		if i < count {
			e.Palette = append(e.Palette, c)
		}
	}
}
