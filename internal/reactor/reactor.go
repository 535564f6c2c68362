// Package reactor implements the single-threaded event-dispatch loop
// shared by the chunk server and the master: registered poll handlers,
// per-loop hooks, timers, a child reaper, and a self-pipe signal demux.
//
// Grounded on the teacher's fuse.MountState read/dispatch loop
// (github.com/hanwen/go-fuse fuse/mountstate.go) generalized from "read one
// FUSE request, dispatch to RawFileSystem" to "poll registered descriptors,
// dispatch to registered hooks", and on original_source/mfscommon/main.c's
// mainloop/destruct/main_keep_alive functions for the hook-category
// semantics and the clock-jump handling.
package reactor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Signal bytes written to the self-pipe, matching spec §4.2 exactly.
const (
	sigTerminate    byte = 1
	sigReload       byte = 2
	sigChildExited  byte = 3
	sigInfo         byte = 4
	sigAlarm        byte = 5
	sigInternalExit byte = 6
)

// state is the shutdown state machine: Running -> WantExit -> CanExit? -> Dead.
type state int

const (
	stateRunning state = iota
	stateWantExit
	stateCanExit
	stateDead
)

// maxLateExecutions bounds how many times a single timer's body may run in
// one loop iteration when catching up after a stall or clock jump.
const maxLateExecutions = 10

// pollDeadline matches the original ~10ms poll() timeout.
const pollDeadline = 10 * time.Millisecond

// forwardJumpThreshold is the wall-clock forward jump past which timers are rebased onto the next grid-aligned fire time
// instead of treated as ordinary elapsed time.
const forwardJumpThreshold = 5 * time.Second

// PollHandler contributes file descriptors to watch (Desc) and reacts to
// their readiness (Serve) once per loop iteration.
type PollHandler interface {
	Desc(add func(fd int, events int16))
	Serve(ready map[int]int16)
}

// Timer is a periodically fired hook with a fixed period and phase offset.
type Timer struct {
	period   time.Duration
	offset   time.Duration
	nextFire time.Duration // time since epoch, at microsecond precision
	fn       func()
}

// ChildReapFunc receives the exit status reported by waitpid for a
// previously registered pid.
type ChildReapFunc func(status int)

// Reactor owns the process's single dispatch loop.
type Reactor struct {
	log *logrus.Entry

	mu        sync.Mutex // guards nowSec / nowMicros for readers on other threads
	nowSec    int64
	nowMicros int64

	destructors []func()
	wantExit    []func()
	canExit     []func() bool
	reloadHooks []func()
	infoHooks   []func()
	keepalive   []func()
	perLoop     []func()

	pollMu   sync.Mutex
	pollHnds []PollHandler

	timerMu sync.Mutex
	timers  []*Timer

	childMu sync.Mutex
	childrn map[int]ChildReapFunc

	sigR *sigPipe
	sigW *sigPipe

	st state

	// stopCh is closed once Run returns, for tests that want to observe
	// loop termination without relying on process exit.
	stopCh chan struct{}
}

// sigPipe wraps the read/write ends of the self-pipe.
type sigPipe struct {
	fd int
}

// New creates a Reactor with its self-pipe armed. Callers drive it through
// the Notify* methods (from signal handling code or, e.g., tests).
func New(log *logrus.Entry) (*Reactor, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, err
	}
	r := &Reactor{
		log:     log,
		childrn: make(map[int]ChildReapFunc),
		sigR:    &sigPipe{fd: fds[0]},
		sigW:    &sigPipe{fd: fds[1]},
		stopCh:  make(chan struct{}),
	}
	now := time.Now()
	r.nowSec = now.Unix()
	r.nowMicros = now.UnixMicro()
	return r, nil
}

// Close releases the self-pipe. Call after Run has returned.
func (r *Reactor) Close() {
	unix.Close(r.sigR.fd)
	unix.Close(r.sigW.fd)
}

// notify writes one intention byte into the self-pipe; safe to call from a
// signal handler or any goroutine.
func (r *Reactor) notify(b byte) {
	buf := [1]byte{b}
	_, _ = unix.Write(r.sigW.fd, buf[:])
}

func (r *Reactor) NotifyTerminate()    { r.notify(sigTerminate) }
func (r *Reactor) NotifyReload()       { r.notify(sigReload) }
func (r *Reactor) NotifyChildExited()  { r.notify(sigChildExited) }
func (r *Reactor) NotifyInfo()         { r.notify(sigInfo) }
func (r *Reactor) NotifyAlarm()        { r.notify(sigAlarm) }
func (r *Reactor) NotifyInternalExit() { r.notify(sigInternalExit) }

// Registration. Destructors run LIFO on exit; everything else is FIFO in
// registration order, matching the teacher's and the original's list
// semantics (insertion-order iteration, reverse only for destructors).

func (r *Reactor) OnDestroy(fn func())       { r.destructors = append([]func(){fn}, r.destructors...) }
func (r *Reactor) OnWantExit(fn func())      { r.wantExit = append(r.wantExit, fn) }
func (r *Reactor) OnCanExit(fn func() bool)  { r.canExit = append(r.canExit, fn) }
func (r *Reactor) OnReload(fn func())        { r.reloadHooks = append(r.reloadHooks, fn) }
func (r *Reactor) OnInfo(fn func())          { r.infoHooks = append(r.infoHooks, fn) }
func (r *Reactor) OnKeepalive(fn func())     { r.keepalive = append(r.keepalive, fn) }
func (r *Reactor) OnPerLoop(fn func())       { r.perLoop = append(r.perLoop, fn) }
func (r *Reactor) AddPollHandler(h PollHandler) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	r.pollHnds = append(r.pollHnds, h)
}

func (r *Reactor) OnChildExit(pid int, fn ChildReapFunc) {
	r.childMu.Lock()
	defer r.childMu.Unlock()
	r.childrn[pid] = fn
}

// RegisterTimer adds a periodic hook: fn fires every period, phased by
// offset, starting from the grid-aligned point at or after now.
func (r *Reactor) RegisterTimer(period, offset time.Duration, fn func()) *Timer {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	now := r.nowMicrosLocked()
	t := &Timer{period: period, offset: offset, fn: fn}
	t.nextFire = alignNext(now, period, offset)
	r.timers = append(r.timers, t)
	return t
}

func alignNext(now, period, offset time.Duration) time.Duration {
	next := (now/period)*period + offset
	for next < now {
		next += period
	}
	return next
}

// NowSec is safe to call from worker goroutines: it reads the wall-clock
// snapshot refreshed once per loop iteration under mu.
func (r *Reactor) NowSec() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowSec
}

func (r *Reactor) nowMicrosLocked() time.Duration {
	return time.Duration(r.nowMicros) * time.Microsecond
}

func (r *Reactor) refreshClock() (prev time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = time.Duration(r.nowMicros) * time.Microsecond
	now := time.Now()
	r.nowSec = now.Unix()
	r.nowMicros = now.UnixMicro()
	return prev
}

// Run drives the loop until the shutdown state machine reaches Dead. It
// blocks the calling goroutine; run it on its own goroutine or the main one.
func (r *Reactor) Run() {
	defer close(r.stopCh)
	var prevMicros time.Duration

	for r.st != stateDead {
		fds := r.collectPollFDs()

		n, err := unix.Poll(fds, int(pollDeadline/time.Millisecond))
		nowMicros := r.refreshClock()

		if nowMicros-prevMicros > 5*time.Second && prevMicros > 0 {
			r.log.Warnf("long loop detected (%s)", nowMicros-prevMicros)
		}

		if err != nil {
			if err == unix.EINTR {
				// fallthrough to per-loop processing
			} else {
				r.log.Warnf("poll error: %v", err)
				break
			}
		} else if n > 0 {
			r.handleReadyFDs(fds)
		}

		for _, fn := range r.perLoop {
			fn()
		}

		r.fireTimers(prevMicros, nowMicros)
		prevMicros = nowMicros

		r.advanceShutdown()
	}

	for _, fn := range r.destructors {
		fn()
	}
}

// Stopped returns a channel closed once Run has returned.
func (r *Reactor) Stopped() <-chan struct{} { return r.stopCh }

func (r *Reactor) collectPollFDs() []unix.PollFd {
	fds := []unix.PollFd{{Fd: int32(r.sigR.fd), Events: unix.POLLIN}}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	for _, h := range r.pollHnds {
		h.Desc(func(fd int, events int16) {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		})
	}
	return fds
}

func (r *Reactor) handleReadyFDs(fds []unix.PollFd) {
	if fds[0].Revents&unix.POLLIN != 0 {
		r.drainSignalPipe()
	}

	ready := make(map[int]int16, len(fds))
	for _, pf := range fds[1:] {
		if pf.Revents != 0 {
			ready[int(pf.Fd)] = pf.Revents
		}
	}

	r.pollMu.Lock()
	handlers := append([]PollHandler(nil), r.pollHnds...)
	r.pollMu.Unlock()
	for _, h := range handlers {
		h.Serve(ready)
	}
}

func (r *Reactor) drainSignalPipe() {
	var buf [64]byte
	n, _ := unix.Read(r.sigR.fd, buf[:])
	for i := 0; i < n; i++ {
		switch buf[i] {
		case sigTerminate:
			if r.st == stateRunning {
				r.log.Info("terminate signal received")
				r.st = stateWantExit
			}
		case sigInternalExit:
			r.log.Info("internal terminate request")
			r.st = stateWantExit
		case sigReload:
			r.log.Info("reloading config files")
			for _, fn := range r.reloadHooks {
				fn()
			}
		case sigChildExited:
			r.reapChildren()
		case sigInfo:
			r.log.Info("log extra info")
			for _, fn := range r.infoHooks {
				fn()
			}
		case sigAlarm:
			r.log.Warn("unexpected alarm/prof signal received - ignoring")
		}
	}
}

func (r *Reactor) reapChildren() {
	r.childMu.Lock()
	defer r.childMu.Unlock()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		if fn, ok := r.childrn[pid]; ok {
			delete(r.childrn, pid)
			fn(ws.ExitStatus())
		}
	}
}

func (r *Reactor) fireTimers(prev, now time.Duration) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if prev == 0 {
		return
	}

	if now < prev {
		// backward jump: rebase using the previous planned fire time,
		// clamped to at most one period of lateness.
		for _, t := range r.timers {
			lateness := t.nextFire - prev
			if lateness > t.period {
				lateness = t.period
			}
			t.nextFire = alignNext(now, t.period, t.offset)
			for t.nextFire <= now+lateness {
				t.nextFire += t.period
			}
		}
	} else if now > prev+forwardJumpThreshold {
		for _, t := range r.timers {
			t.nextFire = alignNext(now, t.period, t.offset)
		}
	}

	for _, t := range r.timers {
		count := 0
		for now >= t.nextFire && count < maxLateExecutions {
			t.fn()
			t.nextFire += t.period
			count++
		}
	}

	for _, fn := range r.keepalive {
		fn()
	}
}

func (r *Reactor) advanceShutdown() {
	switch r.st {
	case stateWantExit:
		for _, fn := range r.wantExit {
			fn()
		}
		r.st = stateCanExit
	case stateCanExit:
		for _, fn := range r.canExit {
			if !fn() {
				return
			}
		}
		r.st = stateDead
	}
}
