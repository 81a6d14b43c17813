package protocol

import (
	"fmt"
	"math"
)

// Kelvin bounds accepted by the protocol. Products narrow these further.
const (
	MinKelvin     uint16 = 1500
	MaxKelvin     uint16 = 9000
	DefaultKelvin uint16 = 3500
)

// HSBK is the protocol color representation. Hue, saturation and brightness
// are scaled to the full uint16 range; Kelvin is the white point.
type HSBK struct {
	Hue        uint16 `json:"hue"`
	Saturation uint16 `json:"saturation"`
	Brightness uint16 `json:"brightness"`
	Kelvin     uint16 `json:"kelvin"`
}

// HueDegrees returns the hue in degrees [0, 360).
func (c HSBK) HueDegrees() float64 {
	return float64(c.Hue) * 360 / 65536
}

// SaturationPercent returns the saturation as a percentage.
func (c HSBK) SaturationPercent() float64 {
	return Uint16ToPercent(c.Saturation)
}

// BrightnessPercent returns the brightness as a percentage.
func (c HSBK) BrightnessPercent() float64 {
	return Uint16ToPercent(c.Brightness)
}

// WithHue returns a copy with the hue set from degrees.
func (c HSBK) WithHue(degrees float64) HSBK {
	c.Hue = DegreesToUint16(degrees)
	return c
}

// WithSaturation returns a copy with the saturation set from a percentage.
func (c HSBK) WithSaturation(percent float64) HSBK {
	c.Saturation = PercentToUint16(percent)
	return c
}

// WithBrightness returns a copy with the brightness set from a percentage.
func (c HSBK) WithBrightness(percent float64) HSBK {
	c.Brightness = PercentToUint16(percent)
	return c
}

// WithKelvin returns a copy with the white point clamped to [min, max].
func (c HSBK) WithKelvin(kelvin, min, max uint16) HSBK {
	if kelvin < min {
		kelvin = min
	}
	if kelvin > max {
		kelvin = max
	}
	c.Kelvin = kelvin
	return c
}

func (c HSBK) String() string {
	return fmt.Sprintf("HSBK(%.1f°, %.1f%%, %.1f%%, %dK)", c.HueDegrees(), c.SaturationPercent(), c.BrightnessPercent(), c.Kelvin)
}

// PercentToUint16 scales a percentage (clamped to 0-100) to 0-65535.
func PercentToUint16(percent float64) uint16 {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return math.MaxUint16
	}
	return uint16(math.Round(percent / 100 * math.MaxUint16))
}

// Uint16ToPercent is the inverse of PercentToUint16.
func Uint16ToPercent(v uint16) float64 {
	return float64(v) * 100 / math.MaxUint16
}

// DegreesToUint16 wraps degrees into [0, 360) and scales to the hue range.
func DegreesToUint16(degrees float64) uint16 {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	return uint16(uint32(math.Round(d*65536/360)) & 0xFFFF)
}

// Power is the protocol power level. Devices report 0 or 65535.
type Power uint16

const (
	PowerOff Power = 0
	PowerOn  Power = 0xFFFF
)

// PowerFromBool maps true to PowerOn.
func PowerFromBool(on bool) Power {
	if on {
		return PowerOn
	}
	return PowerOff
}

// On reports whether any power level is applied.
func (p Power) On() bool {
	return p != PowerOff
}

func (p Power) String() string {
	if p.On() {
		return "on"
	}
	return "off"
}
