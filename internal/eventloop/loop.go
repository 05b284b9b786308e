// Package eventloop multiplexes readable file descriptors and posted
// functions onto a single goroutine. Everything scheduled through a Loop
// runs on that goroutine, so components driven by it need no locking.
package eventloop

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ReadFunc handles a readable descriptor. Returning a non-positive value
// signals that the watcher is done and removes it.
type ReadFunc func() int

// RemoveFunc is a watcher destructor. It runs exactly once, on the loop
// goroutine, when the watcher is removed for any reason.
type RemoveFunc func()

type watcher struct {
	fd       int
	onRead   ReadFunc
	onRemove RemoveFunc
}

// Loop is a poll-based event loop. Watch and Unwatch must be called on the
// loop goroutine; Post and Stop are safe from any goroutine.
type Loop struct {
	wakeFD   int
	watchers map[int]*watcher

	mu       sync.Mutex
	posted   []func()
	stopping bool
	closed   bool
}

// New creates a loop. Run must be called to process events.
func New() (*Loop, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Loop{
		wakeFD:   efd,
		watchers: make(map[int]*watcher),
	}, nil
}

// Watch registers fd. onRead runs whenever fd is readable; a non-positive
// return removes the watcher. onRemove, if non-nil, runs exactly once when
// the watcher is removed, including at loop teardown. Watching an fd that
// already has a watcher replaces it, running the old destructor.
func (l *Loop) Watch(fd int, onRead ReadFunc, onRemove RemoveFunc) {
	if old, ok := l.watchers[fd]; ok {
		l.remove(old)
	}
	l.watchers[fd] = &watcher{fd: fd, onRead: onRead, onRemove: onRemove}
}

// Unwatch removes the watcher for fd, running its destructor. Removing an
// unknown fd is a no-op.
func (l *Loop) Unwatch(fd int) {
	w, ok := l.watchers[fd]
	if !ok {
		return
	}
	l.remove(w)
}

func (l *Loop) remove(w *watcher) {
	delete(l.watchers, w.fd)
	if w.onRemove != nil {
		w.onRemove()
	}
}

// Post schedules fn to run on the loop goroutine. Posts issued after the
// loop has shut down are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	l.wakeLocked()
	l.mu.Unlock()
}

// Stop makes Run return after draining currently posted functions.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.closed {
		l.stopping = true
		l.wakeLocked()
	}
	l.mu.Unlock()
}

func (l *Loop) wakeLocked() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	// EAGAIN means a wake-up is already pending.
	unix.Write(l.wakeFD, one[:])
}

func (l *Loop) takePosted() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := l.posted
	l.posted = nil
	return fns, l.stopping
}

// Run processes posted functions and descriptor events until Stop. On
// return every remaining watcher has been removed, with its destructor
// run, and the loop is unusable.
func (l *Loop) Run() error {
	defer l.teardown()

	pfds := make([]unix.PollFd, 0, 8)
	order := make([]*watcher, 0, 8)

	for {
		fns, stopping := l.takePosted()
		for _, fn := range fns {
			fn()
		}
		if stopping {
			return nil
		}

		pfds = pfds[:0]
		order = order[:0]
		pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeFD), Events: unix.POLLIN})
		for _, w := range l.watchers {
			pfds = append(pfds, unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN})
			order = append(order, w)
		}

		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		if pfds[0].Revents != 0 {
			var drain [8]byte
			unix.Read(l.wakeFD, drain[:])
		}

		for i, w := range order {
			revents := pfds[i+1].Revents
			if revents == 0 {
				continue
			}
			// An earlier callback this round may have removed it.
			if l.watchers[w.fd] != w {
				continue
			}
			if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if w.onRead() <= 0 {
					l.remove(w)
				}
			}
		}
	}
}

func (l *Loop) teardown() {
	for _, w := range l.watchers {
		l.remove(w)
	}
	l.mu.Lock()
	l.closed = true
	l.posted = nil
	l.mu.Unlock()
	unix.Close(l.wakeFD)
}
