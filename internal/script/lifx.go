package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func (r *Runtime) lifxLoader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"lights":     r.luaLights,
		"state":      r.luaState,
		"power":      r.luaPower,
		"color":      r.luaColor,
		"brightness": r.luaBrightness,
		"on_change":  r.luaOnChange,
	})
	L.Push(mod)
	return 1
}

// lifx.lights() -> {{mac=, name=, online=}, ...}
func (r *Runtime) luaLights(L *lua.LState) int {
	list := L.NewTable()
	for _, e := range r.lights.Entries() {
		t := L.NewTable()
		if mac := e.Light.MAC(); !mac.IsBroadcast() {
			t.RawSetString("mac", lua.LString(mac.Hex()))
		}
		t.RawSetString("name", lua.LString(e.Name))
		t.RawSetString("online", lua.LBool(e.Light.Online()))
		list.Append(t)
	}
	L.Push(list)
	return 1
}

// lifx.state(mac) -> table or nil
func (r *Runtime) luaState(L *lua.LState) int {
	light, ok := r.lookup(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	t := snapshotTable(L, light.Observed())
	t.RawSetString("online", lua.LBool(light.Online()))
	L.Push(t)
	return 1
}

// lifx.power(mac, on)
func (r *Runtime) luaPower(L *lua.LState) int {
	on := L.CheckBool(2)
	r.apply(L, lifx.Command{Power: &on})
	return 0
}

// lifx.color(mac, {hue=, saturation=, brightness=, kelvin=})
func (r *Runtime) luaColor(L *lua.LState) int {
	tbl := L.CheckTable(2)
	var cmd lifx.Command
	cmd.Hue = optNumber(L, tbl, "hue")
	cmd.Saturation = optNumber(L, tbl, "saturation")
	cmd.Brightness = optNumber(L, tbl, "brightness")
	if k := optNumber(L, tbl, "kelvin"); k != nil {
		if *k < 0 || *k > 0xFFFF {
			L.ArgError(2, "kelvin out of range")
		}
		kelvin := uint16(*k)
		cmd.Kelvin = &kelvin
	}
	if cmd.Empty() {
		L.ArgError(2, "color table sets nothing")
	}
	r.apply(L, cmd)
	return 0
}

// lifx.brightness(mac, percent)
func (r *Runtime) luaBrightness(L *lua.LState) int {
	pct := float64(L.CheckNumber(2))
	r.apply(L, lifx.Command{Brightness: &pct})
	return 0
}

// lifx.on_change(fn(mac, change))
func (r *Runtime) luaOnChange(L *lua.LState) int {
	r.handlers = append(r.handlers, L.CheckFunction(1))
	return 0
}

// lookup resolves argument 1. A malformed MAC is an argument error, an
// unknown light is not.
func (r *Runtime) lookup(L *lua.LState) (Light, bool) {
	mac, err := protocol.ParseMAC(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
	}
	return r.lights.Lookup(mac)
}

func (r *Runtime) apply(L *lua.LState, cmd lifx.Command) {
	light, ok := r.lookup(L)
	if !ok {
		L.RaiseError("unknown light %s", L.CheckString(1))
	}
	if err := cmd.Apply(light); err != nil {
		L.RaiseError("%s", err.Error())
	}
}

func optNumber(L *lua.LState, tbl *lua.LTable, key string) *float64 {
	switch v := tbl.RawGetString(key).(type) {
	case *lua.LNilType:
		return nil
	case lua.LNumber:
		f := float64(v)
		return &f
	default:
		L.ArgError(2, key+" must be a number")
		return nil
	}
}

// snapshotTable exposes a snapshot in user units.
func snapshotTable(L *lua.LState, s lifx.Snapshot) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("power", lua.LBool(s.Power.On()))
	t.RawSetString("hue", lua.LNumber(s.Color.HueDegrees()))
	t.RawSetString("saturation", lua.LNumber(s.Color.SaturationPercent()))
	t.RawSetString("brightness", lua.LNumber(s.Color.BrightnessPercent()))
	t.RawSetString("kelvin", lua.LNumber(s.Color.Kelvin))
	t.RawSetString("infrared", lua.LNumber(protocol.Uint16ToPercent(s.Infrared)))
	t.RawSetString("signal_strength", lua.LNumber(s.SignalStrength()))
	if len(s.Zones) > 0 {
		zones := L.NewTable()
		for _, z := range s.Zones {
			zt := L.NewTable()
			zt.RawSetString("hue", lua.LNumber(z.HueDegrees()))
			zt.RawSetString("saturation", lua.LNumber(z.SaturationPercent()))
			zt.RawSetString("brightness", lua.LNumber(z.BrightnessPercent()))
			zt.RawSetString("kelvin", lua.LNumber(z.Kelvin))
			zones.Append(zt)
		}
		t.RawSetString("zones", zones)
	}
	return t
}
