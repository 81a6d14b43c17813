package lifx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// ErrUnknownZone is returned when a command names a zone the light does not have.
var ErrUnknownZone = errors.New("lifx: unknown zone")

// Commander is the desired state surface of a light.
type Commander interface {
	SetPower(on bool)
	SetColor(c protocol.HSBK)
	SetHue(degrees float64)
	SetSaturation(percent float64)
	SetBrightness(percent float64)
	SetTemperature(kelvin uint16)
	SetZoneColor(index int, c protocol.HSBK) bool
	HasZone(index int) bool
	SetInfrared(percent float64)
	SetHevCycle(enable bool, duration time.Duration)
	SetTileEffect(effect protocol.Effect)
	WantSignalStrength(want bool)
}

var _ Commander = (*Engine)(nil)

// HevCommand starts or stops a cleaning cycle. Zero duration keeps the
// light's default.
type HevCommand struct {
	Enable   bool    `json:"enable"`
	Duration Seconds `json:"duration"`
}

// Seconds is a duration written in JSON as a number of seconds or as a Go
// duration string such as "2h".
type Seconds time.Duration

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*s = Seconds(d)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be seconds or a duration string: %w", err)
	}
	*s = Seconds(secs * float64(time.Second))
	return nil
}

// ZoneCommand recolors one zone. Hue is in degrees, the rest in percent.
type ZoneCommand struct {
	Index      int     `json:"index"`
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Brightness float64 `json:"brightness"`
	Kelvin     uint16  `json:"kelvin"`
}

// Command is a partial desired state in user units, decoded from API, MQTT
// and script requests. Unset fields are left alone.
type Command struct {
	Power      *bool            `json:"power,omitempty"`
	Hue        *float64         `json:"hue,omitempty"`
	Saturation *float64         `json:"saturation,omitempty"`
	Brightness *float64         `json:"brightness,omitempty"`
	Kelvin     *uint16          `json:"kelvin,omitempty"`
	Zone       *ZoneCommand     `json:"zone,omitempty"`
	Infrared   *float64         `json:"infrared,omitempty"`
	Hev        *HevCommand      `json:"hev,omitempty"`
	Effect     *protocol.Effect `json:"effect,omitempty"`
	Signal     *bool            `json:"signal,omitempty"`
}

// Empty reports whether the command changes nothing.
func (c Command) Empty() bool {
	return c.Power == nil && c.Hue == nil && c.Saturation == nil && c.Brightness == nil &&
		c.Kelvin == nil && c.Zone == nil && c.Infrared == nil && c.Hev == nil &&
		c.Effect == nil && c.Signal == nil
}

// Validate checks ranges.
func (c Command) Validate() error {
	var errs []error
	percent := func(name string, v *float64) {
		if v != nil && (*v < 0 || *v > 100) {
			errs = append(errs, fmt.Errorf("%s must be within 0-100, got %v", name, *v))
		}
	}
	percent("saturation", c.Saturation)
	percent("brightness", c.Brightness)
	percent("infrared", c.Infrared)
	if c.Hue != nil && (*c.Hue < 0 || *c.Hue > 360) {
		errs = append(errs, fmt.Errorf("hue must be within 0-360, got %v", *c.Hue))
	}
	if c.Kelvin != nil && (*c.Kelvin < protocol.MinKelvin || *c.Kelvin > protocol.MaxKelvin) {
		errs = append(errs, fmt.Errorf("kelvin must be within %d-%d, got %d", protocol.MinKelvin, protocol.MaxKelvin, *c.Kelvin))
	}
	if z := c.Zone; z != nil {
		if z.Index < 0 || z.Index > 255 {
			errs = append(errs, fmt.Errorf("zone index must be within 0-255, got %d", z.Index))
		}
		percent("zone.saturation", &z.Saturation)
		percent("zone.brightness", &z.Brightness)
	}
	if c.Hev != nil && c.Hev.Duration < 0 {
		errs = append(errs, errors.New("hev duration must not be negative"))
	}
	return errors.Join(errs...)
}

// Apply validates the command and writes it to l. Color fields are applied
// hue, saturation, brightness, then kelvin so each one sees the previous.
// A command naming an unknown zone changes nothing.
func (c Command) Apply(l Commander) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Zone != nil && !l.HasZone(c.Zone.Index) {
		return fmt.Errorf("%w: %d", ErrUnknownZone, c.Zone.Index)
	}
	if c.Signal != nil {
		l.WantSignalStrength(*c.Signal)
	}
	if c.Hue != nil {
		l.SetHue(*c.Hue)
	}
	if c.Saturation != nil {
		l.SetSaturation(*c.Saturation)
	}
	if c.Brightness != nil {
		l.SetBrightness(*c.Brightness)
	}
	if c.Kelvin != nil {
		l.SetTemperature(*c.Kelvin)
	}
	if c.Infrared != nil {
		l.SetInfrared(*c.Infrared)
	}
	if c.Hev != nil {
		l.SetHevCycle(c.Hev.Enable, time.Duration(c.Hev.Duration))
	}
	if c.Effect != nil {
		l.SetTileEffect(*c.Effect)
	}
	if c.Power != nil {
		l.SetPower(*c.Power)
	}
	if z := c.Zone; z != nil {
		color := protocol.HSBK{Kelvin: z.Kelvin}.
			WithHue(z.Hue).
			WithSaturation(z.Saturation).
			WithBrightness(z.Brightness)
		if color.Kelvin == 0 {
			color.Kelvin = protocol.DefaultKelvin
		}
		if !l.SetZoneColor(z.Index, color) {
			return fmt.Errorf("%w: %d", ErrUnknownZone, z.Index)
		}
	}
	return nil
}
