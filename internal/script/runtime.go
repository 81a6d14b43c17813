// Package script runs the optional Lua automation script. Scripts read
// observed state, write desired state and react to state changes.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

var (
	ErrRuntimeClosed = errors.New("lua runtime closed")
	ErrQueueFull     = errors.New("lua work queue full")
)

const workQueueSize = 100

// Work runs on the Lua goroutine. Nothing else may touch the LState.
type Work func(ctx context.Context)

// Light is what a script can see and change of one light.
type Light interface {
	lifx.Commander
	MAC() protocol.MACAddress
	Online() bool
	Observed() lifx.Snapshot
}

// Entry is a named light.
type Entry struct {
	Name  string
	Light Light
}

// Lights lists and resolves the running lights.
type Lights interface {
	Entries() []Entry
	Lookup(mac protocol.MACAddress) (Light, bool)
}

type changeKey struct {
	mac   string
	field lifx.Field
	zone  int
}

// Runtime owns one Lua VM and the goroutine that drives it.
//
// State changes are coalesced per light, field and zone while the script is
// busy: a handler sees the oldest unseen Old value and the newest New value.
type Runtime struct {
	L      *lua.LState
	lights Lights

	// on_change callbacks, only touched from Run
	handlers []*lua.LFunction

	jobs chan Work

	mu      sync.Mutex
	changes map[changeKey]lifx.Change
	order   []changeKey
	wake    chan struct{}

	closing   chan struct{}
	closeOnce sync.Once
}

func NewRuntime(lights Lights) *Runtime {
	r := &Runtime{
		L:       lua.NewState(),
		lights:  lights,
		jobs:    make(chan Work, workQueueSize),
		changes: make(map[changeKey]lifx.Change),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	r.L.PreloadModule("log", logLoader)
	r.L.PreloadModule("lifx", r.lifxLoader)
	return r
}

// Close stops accepting work and closes the VM. Call it after Run returns.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
	r.L.Close()
}

func (r *Runtime) isClosing() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

func (r *Runtime) enqueue(ctx context.Context, w Work, wait bool) error {
	if r.isClosing() {
		return ErrRuntimeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !wait {
		select {
		case r.jobs <- w:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case r.jobs <- w:
		return nil
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do queues work without blocking and reports whether it was queued.
func (r *Runtime) Do(ctx context.Context, work Work) bool {
	if err := r.enqueue(ctx, work, false); err != nil {
		log.Warn().Err(err).Msg("Dropping Lua work")
		return false
	}
	return true
}

// DoSync runs work on the Lua goroutine and returns its error.
func (r *Runtime) DoSync(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	if err := r.enqueue(ctx, func(c context.Context) { done <- work(c) }, true); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the VM until ctx is done or the runtime is closed. Queued work
// still runs on the way out; pending state changes are dropped.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return
		case <-r.closing:
			r.drain(ctx)
			return
		case w := <-r.jobs:
			r.exec(ctx, w)
		case <-r.wake:
			r.deliverChanges(ctx)
		}
	}
}

func (r *Runtime) drain(ctx context.Context) {
	for {
		select {
		case w := <-r.jobs:
			r.exec(ctx, w)
		default:
			r.mu.Lock()
			if n := len(r.order); n > 0 {
				log.Debug().Int("changes", n).Msg("Lua runtime stopping, dropping state changes")
			}
			r.mu.Unlock()
			return
		}
	}
}

func (r *Runtime) exec(ctx context.Context, w Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Lua work panicked")
		}
	}()
	r.L.SetContext(ctx)
	w(ctx)
}

// LoadScript executes the script file. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("lua script %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("handlers", len(r.handlers)).Msg("Lua script loaded")
	return nil
}

// LoadString executes source. Must be called before Run.
func (r *Runtime) LoadString(source string) error {
	if err := r.L.DoString(source); err != nil {
		return fmt.Errorf("lua source: %w", err)
	}
	return nil
}

// Register forwards observed state changes from bus to the on_change handlers.
func (r *Runtime) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeState, func(e eventbus.Event) {
		if c, ok := e.Data[eventbus.KeyChange].(lifx.Change); ok {
			r.NotifyChange(e.MAC(), c)
		}
	})
}

// NotifyChange records c for delivery to the on_change handlers. It returns
// false once the runtime is closed.
func (r *Runtime) NotifyChange(mac string, c lifx.Change) bool {
	if r.isClosing() {
		return false
	}
	key := changeKey{mac: mac, field: c.Field, zone: c.Zone}
	r.mu.Lock()
	if prev, ok := r.changes[key]; ok {
		c.Old = prev.Old
	} else {
		r.order = append(r.order, key)
	}
	r.changes[key] = c
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Runtime) deliverChanges(ctx context.Context) {
	r.mu.Lock()
	order, changes := r.order, r.changes
	r.order, r.changes = nil, make(map[changeKey]lifx.Change)
	r.mu.Unlock()

	if len(r.handlers) == 0 {
		return
	}
	r.L.SetContext(ctx)
	for _, key := range order {
		c := changes[key]
		change := r.L.NewTable()
		change.RawSetString("field", lua.LString(c.Field))
		if c.Field == lifx.FieldZones {
			change.RawSetString("zone", lua.LNumber(c.Zone))
		}
		change.RawSetString("old", snapshotTable(r.L, c.Old))
		change.RawSetString("new", snapshotTable(r.L, c.New))

		for _, fn := range r.handlers {
			err := r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LString(key.mac), change)
			if err != nil {
				log.Error().Err(err).Str("mac", key.mac).Str("field", string(c.Field)).Msg("Lua on_change handler failed")
			}
		}
	}
}
