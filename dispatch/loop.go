package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultInterval = 100 * time.Millisecond

var ErrLoopClosed = fmt.Errorf("dispatch loop closed")

// NOTE: Loop is a single os-threaded cooperative consumer.  Debugger
// notification goroutines and the renderer's callbacks only ever enqueue
// work; all debuggee access and renderer hand-off happens on the loop's
// thread.  Queued functions are never invoked concurrently.
//
// Each iteration:
//  1. runs the poller (e.g., frame-change detection), which may enqueue
//     events
//  2. drains the event queue (stop / exit notifications)
//  3. drains the request queue
//  4. runs the tick hooks (e.g., the renderer's event loop)
//
// Events are drained before requests so that a freshly observed frame's
// symbol list precedes any buffer reads made against that frame.
type Loop struct {
	cancel func()
	ctx    context.Context

	interval time.Duration

	logger zerolog.Logger

	mutex    sync.Mutex
	events   []func()
	requests []func()

	poller    func()
	tickHooks []func()

	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewLoop(interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cancel:   cancel,
		ctx:      ctx,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (loop *Loop) Interval() time.Duration {
	return loop.interval
}

// Must be set before Start.
func (loop *Loop) SetPoller(poller func()) {
	loop.poller = poller
}

// Must be called before Start.
func (loop *Loop) AddTickHook(hook func()) {
	loop.tickHooks = append(loop.tickHooks, hook)
}

func (loop *Loop) Enqueue(request func()) {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	loop.requests = append(loop.requests, request)
}

func (loop *Loop) EnqueueEvent(event func()) {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	loop.events = append(loop.events, event)
}

func (loop *Loop) NumPending() int {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	return len(loop.events) + len(loop.requests)
}

// Call marshals request onto the loop's thread and waits for its result.
//
// NOTE: Call must not be invoked from within a queued function since the
// loop would wait on itself.
func (loop *Loop) Call(request func() error) error {
	respChan := make(chan error, 1)

	select {
	case <-loop.ctx.Done():
		return ErrLoopClosed
	default:
	}

	loop.Enqueue(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("request panicked: %v", r)
			}
			respChan <- err
		}()

		err = request()
	})

	select {
	case err := <-respChan:
		return err
	case <-loop.done:
		// The final drain may have executed the request.
		select {
		case err := <-respChan:
			return err
		default:
			return ErrLoopClosed
		}
	}
}

func (loop *Loop) Start() {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	if loop.started {
		return
	}
	loop.started = true

	go loop.processRequests()
}

func (loop *Loop) processRequests() {
	runtime.LockOSThread()
	defer func() {
		// Once enqueued, a request always executes.
		loop.drain()

		close(loop.done)
		runtime.UnlockOSThread()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-loop.ctx.Done():
			return
		case <-timer.C:
			loop.RunOnce()
			timer.Reset(loop.interval)
		}
	}
}

// RunOnce executes a single iteration on the caller's thread.  This is only
// safe to call when the loop is not started.
func (loop *Loop) RunOnce() {
	if loop.poller != nil {
		loop.execute("poller", loop.poller)
	}

	loop.drain()

	for _, hook := range loop.tickHooks {
		loop.execute("tick hook", hook)
	}
}

func (loop *Loop) drain() {
	loop.mutex.Lock()
	events := loop.events
	loop.events = nil
	loop.mutex.Unlock()

	for _, event := range events {
		loop.execute("event", event)
	}

	loop.mutex.Lock()
	requests := loop.requests
	loop.requests = nil
	loop.mutex.Unlock()

	for _, request := range requests {
		loop.execute("request", request)
	}
}

func (loop *Loop) execute(kind string, f func()) {
	defer func() {
		r := recover()
		if r != nil {
			loop.logger.Error().
				Str("kind", kind).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in dispatch loop")
		}
	}()

	f()
}

// Close stops the loop after draining any pending work.  Close is a no-op
// for a closed loop.
func (loop *Loop) Close() error {
	loop.closeOnce.Do(func() {
		loop.mutex.Lock()
		started := loop.started
		loop.started = true // prevent future starts
		loop.mutex.Unlock()

		loop.cancel()
		if started {
			<-loop.done
		} else {
			loop.drain()
			close(loop.done)
		}
	})
	return nil
}
