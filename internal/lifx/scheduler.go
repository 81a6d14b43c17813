package lifx

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a handle to scheduled work.
type Task interface {
	// Cancel stops future runs. A run already in progress is not interrupted.
	Cancel()
}

// Scheduler runs periodic, delayed and long-lived work for engines.
// All engines of a process share one scheduler.
type Scheduler interface {
	// Every runs fn at a fixed rate until cancelled. Runs never overlap; a
	// tick that fires while fn is still running is skipped.
	Every(name string, interval time.Duration, fn func()) Task
	// After runs fn once after delay.
	After(name string, delay time.Duration, fn func()) Task
	// Go runs fn in its own goroutine. ctx is cancelled with the task.
	Go(name string, fn func(ctx context.Context)) Task
}

type taskHandle struct {
	cancel context.CancelFunc
}

func (t *taskHandle) Cancel() { t.cancel() }

// GoScheduler is a Scheduler backed by one goroutine per task.
type GoScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler whose tasks end when ctx is cancelled or
// Close is called.
func NewScheduler(ctx context.Context) *GoScheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &GoScheduler{ctx: ctx, cancel: cancel}
}

func (s *GoScheduler) Every(name string, interval time.Duration, fn func()) Task {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(name, fn)
			}
		}
	}()
	return &taskHandle{cancel: cancel}
}

func (s *GoScheduler) After(name string, delay time.Duration, fn func()) Task {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.run(name, fn)
		}
	}()
	return &taskHandle{cancel: cancel}
}

func (s *GoScheduler) Go(name string, fn func(ctx context.Context)) Task {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(name, func() { fn(ctx) })
	}()
	return &taskHandle{cancel: cancel}
}

func (s *GoScheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("task", name).
				Msg("Scheduled task panicked")
		}
	}()
	fn()
}

// Close cancels every task and waits for running ones to return.
func (s *GoScheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
