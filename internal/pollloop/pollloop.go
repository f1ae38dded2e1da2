// Package pollloop is the reference implementation of the event-loop
// primitives spec.md §6 treats as external: poll_timer_wait,
// poll_immediate_wake, and vconn_wait. One Loop drives the owner
// goroutine for a single rconn: each tick, the owner calls Rconn.Wait
// (which in turn calls TimerWait/Wait on the Loop in scope), then calls
// Loop.Block to actually sleep until the deadline or a readiness event,
// then runs Rconn.Run again.
package pollloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Direction selects which readiness a fd wait cares about.
type Direction int

const (
	// Recv waits for the fd to become readable.
	Recv Direction = iota
	// Send waits for the fd to become writable.
	Send
)

// Loop accumulates one tick's worth of wait requests and blocks until the
// earliest of them is satisfied.
type Loop struct {
	deadline  time.Time
	hasDeadline bool
	immediate bool
	waits     []fdWait
}

type fdWait struct {
	fd  int
	dir Direction
}

// New returns an empty Loop, ready for one tick's worth of registrations.
func New() *Loop {
	return &Loop{}
}

// TimerWait arms a wakeup ms milliseconds from now. Calling it more than
// once in a tick keeps the earliest deadline, matching poll_timer_wait's
// "minimum over all callers" semantics.
func (l *Loop) TimerWait(ms int64) {
	if ms < 0 {
		ms = 0
	}
	d := time.Now().Add(time.Duration(ms) * time.Millisecond)
	if !l.hasDeadline || d.Before(l.deadline) {
		l.deadline = d
		l.hasDeadline = true
	}
}

// ImmediateWake requests that Block return immediately on its next call,
// without sleeping. Used when a tick produced new work (e.g. the send
// queue drained) that the owner should re-enter the run loop for right
// away instead of waiting for a timer.
func (l *Loop) ImmediateWake() {
	l.immediate = true
}

// Wait registers readiness interest on fd for the given direction.
func (l *Loop) Wait(fd int, dir Direction) {
	l.waits = append(l.waits, fdWait{fd: fd, dir: dir})
}

// Block sleeps until the earliest registered deadline, a registered fd
// becomes ready, or an immediate wake was requested, then clears all
// registrations for the next tick.
func (l *Loop) Block() error {
	defer l.reset()

	if l.immediate {
		return nil
	}

	timeoutMs := -1
	if l.hasDeadline {
		d := time.Until(l.deadline)
		if d < 0 {
			d = 0
		}
		if ms := d.Milliseconds(); ms <= 1<<31-1 {
			timeoutMs = int(ms)
		} else {
			timeoutMs = 1<<31 - 1
		}
	}

	if len(l.waits) == 0 {
		if timeoutMs < 0 {
			// No timer and no fd: nothing to wait for. Avoid blocking
			// forever; the caller should have armed something.
			return nil
		}
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return nil
	}

	pfds := make([]unix.PollFd, len(l.waits))
	for i, w := range l.waits {
		ev := int16(unix.POLLIN)
		if w.dir == Send {
			ev = unix.POLLOUT
		}
		pfds[i] = unix.PollFd{Fd: int32(w.fd), Events: ev}
	}
	_, err := unix.Poll(pfds, timeoutMs)
	if err != nil && err != unix.EINTR {
		return err
	}
	return nil
}

func (l *Loop) reset() {
	l.hasDeadline = false
	l.immediate = false
	l.waits = l.waits[:0]
}
