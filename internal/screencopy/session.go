// Package screencopy implements the per-output capture session: a protocol
// state machine that negotiates buffer layouts, drives capture commits,
// tracks damage across cycles, piggybacks cursor capture onto output
// commits, and recovers from invalid-buffer failures by recreating its
// protocol surface.
//
// Sessions are single-threaded. Start, Destroy, and HandleEvent must all
// run on the event-loop thread; the session holds no locks. Completion is
// reported asynchronously through the configured callback, exactly once
// per accepted Start.
package screencopy

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"waymirror/internal/buffer"
	"waymirror/internal/damage"
	"waymirror/internal/logger"
)

// State is the session's position in the negotiation/commit cycle.
type State int

const (
	// StateUninitialized means no usable protocol surface exists.
	StateUninitialized State = iota
	// StateAwaitingNegotiation means a surface exists but its buffer
	// layouts have not been finalized.
	StateAwaitingNegotiation
	// StateNegotiated means layouts are finalized and a commit may be
	// scheduled.
	StateNegotiated
	// StateCommitted means a capture is in flight.
	StateCommitted
	// StateReady and StateFailed are transient resolution states; the
	// session immediately settles back to StateNegotiated or
	// StateAwaitingNegotiation depending on whether a reconfiguration
	// intervened.
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingNegotiation:
		return "awaiting-negotiation"
	case StateNegotiated:
		return "negotiated"
	case StateCommitted:
		return "committed"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status reports how one capture cycle resolved.
type Status int

const (
	StatusDone Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusDone {
		return "done"
	}
	return "failed"
}

// DoneFunc receives the resolution of one accepted Start. On StatusDone
// the frame's ownership passes to the callee, which must eventually call
// Release on it; on StatusFailed the frame is nil.
type DoneFunc func(status Status, frame *buffer.Buffer)

// CommitFlags modify one capture commit.
type CommitFlags uint32

const (
	// CommitImmediate asks the compositor to capture without waiting for
	// further damage.
	CommitImmediate CommitFlags = 1 << iota
	// CommitRenderCursors asks the compositor to composite cursors into
	// the output buffer.
	CommitRenderCursors
)

// Surface is one protocol capture surface. Implementations deliver their
// events through the sink passed to SurfaceSource.CreateSurface.
type Surface interface {
	AttachBuffer(b *buffer.Buffer) error
	// DamageBuffer hints that a rectangle of the attached buffer is out of
	// date and must be repainted even if the screen did not change there.
	DamageBuffer(r image.Rectangle)
	AttachCursorBuffer(b *buffer.Buffer) error
	// DamageCursorBuffer hints that the attached cursor buffer is stale as
	// a whole.
	DamageCursorBuffer()
	// Commit submits all attachments and damage hints in one capture
	// request.
	Commit(flags CommitFlags)
	Destroy()
}

// SurfaceSource creates capture surfaces for one output. Events for a
// created surface are delivered to sink on the event-loop thread.
type SurfaceSource interface {
	CreateSurface(sink func(Event)) (Surface, error)
}

// BufferPool supplies reusable buffers for one capture domain.
type BufferPool interface {
	Acquire() (*buffer.Buffer, error)
	Release(*buffer.Buffer)
	Resize(kind buffer.MemKind, width, height, stride int, format uint32)
	SpreadDamage(*damage.Region)
}

// Descriptor is the finalized buffer layout for one capture domain.
type Descriptor struct {
	Kind   buffer.MemKind
	Format uint32
	Width  int
	Height int
	Stride int
}

var (
	ErrCaptureInFlight = errors.New("capture already in flight")
	ErrSessionClosed   = errors.New("capture session destroyed")
)

// Config assembles a session's collaborators.
type Config struct {
	Source     SurfaceSource
	OutputPool BufferPool
	CursorPool BufferPool

	// RenderCursors asks the compositor to composite cursors into output
	// buffers instead of capturing them separately.
	RenderCursors bool
	// PreferDmabuf selects dma-buf layouts over shared memory when both
	// are advertised.
	PreferDmabuf bool
	// RateLimit is the advisory capture rate in frames per second, read
	// by the caller's scheduler. The session never throttles itself.
	// Defaults to 30.
	RateLimit int

	// OnDone receives the resolution of every accepted Start.
	OnDone DoneFunc
	// OnTransition, if set, observes state changes.
	OnTransition func(from, to State)

	Log *zerolog.Logger
}

type layout struct {
	format uint32
	width  int
	height int
	stride int
}

type domainLayouts struct {
	shm        layout
	haveShm    bool
	dmabuf     layout
	haveDmabuf bool
}

// Session drives capture for one output.
type Session struct {
	log    *zerolog.Logger
	source SurfaceSource
	pools  [2]BufferPool
	onDone DoneFunc

	renderCursors bool
	preferDmabuf  bool
	rateLimit     int
	onTransition  func(from, to State)

	state   State
	surface Surface

	layouts         [2]domainLayouts
	negotiated      [2]Descriptor
	haveNegotiated  [2]bool
	bufferInfoReady bool

	outBuf *buffer.Buffer
	curBuf *buffer.Buffer

	pendingStart     bool
	pendingImmediate bool
	cursorPresent    bool

	cursorX, cursorY   int
	hotspotX, hotspotY int
	commitTime         time.Time
	frames             uint64
	failures           uint64

	closed bool
}

// NewSession creates a capture session and its protocol surface. The
// session does not own its pools; the caller destroys them after Destroy.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("screencopy: no surface source")
	}
	if cfg.OutputPool == nil || cfg.CursorPool == nil {
		return nil, errors.New("screencopy: both buffer pools are required")
	}
	if cfg.OnDone == nil {
		return nil, errors.New("screencopy: no completion callback")
	}
	log := cfg.Log
	if log == nil {
		log = logger.WithComponent("screencopy")
	}
	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 30
	}

	s := &Session{
		log:           log,
		source:        cfg.Source,
		pools:         [2]BufferPool{buffer.DomainOutput: cfg.OutputPool, buffer.DomainCursor: cfg.CursorPool},
		onDone:        cfg.OnDone,
		renderCursors: cfg.RenderCursors,
		preferDmabuf:  cfg.PreferDmabuf,
		rateLimit:     rate,
		onTransition:  cfg.OnTransition,
	}
	if err := s.createSurface(); err != nil {
		return nil, fmt.Errorf("create capture surface: %w", err)
	}
	return s, nil
}

// Start requests one capture. Before negotiation completes the request is
// recorded and scheduled when NegotiationDone arrives; a later Start in
// that window overwrites the recorded immediate flag. After negotiation
// the capture is committed synchronously. Start never blocks on the
// protocol; resolution always arrives via the completion callback.
//
// A Start while a capture is outstanding is rejected with
// ErrCaptureInFlight.
func (s *Session) Start(immediate bool) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.outBuf != nil {
		return ErrCaptureInFlight
	}
	if s.surface == nil {
		if err := s.createSurface(); err != nil {
			return fmt.Errorf("recreate capture surface: %w", err)
		}
	}
	if !s.bufferInfoReady {
		s.pendingStart = true
		s.pendingImmediate = immediate
		s.log.Debug().Bool("immediate", immediate).
			Msg("Start deferred until negotiation completes")
		return nil
	}
	return s.scheduleCapture(immediate)
}

// Stop is a no-op: the protocol has no cancel primitive. An in-flight
// capture still resolves through the completion callback.
func (s *Session) Stop() {}

// Destroy tears down the surface and returns any outstanding buffers to
// their pools. The completion callback of an abandoned in-flight capture
// never fires. Destroy is idempotent.
func (s *Session) Destroy() {
	if s.closed {
		return
	}
	s.closed = true
	if s.outBuf != nil {
		s.pools[buffer.DomainOutput].Release(s.outBuf)
		s.outBuf = nil
	}
	if s.curBuf != nil {
		s.pools[buffer.DomainCursor].Release(s.curBuf)
		s.curBuf = nil
	}
	if s.surface != nil {
		s.surface.Destroy()
		s.surface = nil
	}
}

// HandleEvent applies one protocol event. Events arriving after Destroy
// are ignored.
func (s *Session) HandleEvent(ev Event) {
	if s.closed {
		return
	}
	switch ev := ev.(type) {
	case Reconfigured:
		s.handleReconfigured(ev)
	case BufferInfo:
		s.handleBufferInfo(ev)
	case NegotiationDone:
		s.handleNegotiationDone()
	case Damaged:
		s.handleDamaged(ev)
	case CursorEntered:
		s.cursorPresent = true
	case CursorLeft:
		s.cursorPresent = false
	case CursorInfo:
		s.handleCursorInfo(ev)
	case CommitTime:
		s.commitTime = ev.Time
	case Transformed:
		s.handleTransformed(ev)
	case Ready:
		s.handleReady()
	case Failed:
		s.handleFailed(ev)
	}
}

func (s *Session) createSurface() error {
	if s.surface != nil {
		s.surface.Destroy()
		s.surface = nil
	}
	surf, err := s.source.CreateSurface(s.HandleEvent)
	if err != nil {
		return err
	}
	s.surface = surf
	s.setState(StateAwaitingNegotiation)
	return nil
}

func (s *Session) recreateSurface() {
	s.setState(StateUninitialized)
	s.bufferInfoReady = false
	for i := range s.layouts {
		s.layouts[i] = domainLayouts{}
	}
	if err := s.createSurface(); err != nil {
		// The surface stays absent; the next Start retries creation.
		s.log.Error().Err(err).Msg("Failed to recreate capture surface")
	}
}

func (s *Session) scheduleCapture(immediate bool) error {
	if s.curBuf != nil {
		// The previous cycle resolved without cursor info; take the
		// cursor buffer back before starting a new cycle.
		s.pools[buffer.DomainCursor].Release(s.curBuf)
		s.curBuf = nil
	}
	out, err := s.pools[buffer.DomainOutput].Acquire()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to acquire output buffer")
		return fmt.Errorf("schedule capture: %w", err)
	}
	if err := s.surface.AttachBuffer(out); err != nil {
		s.pools[buffer.DomainOutput].Release(out)
		s.log.Error().Err(err).Msg("Failed to attach output buffer")
		return fmt.Errorf("schedule capture: %w", err)
	}
	// Staleness hints tell the compositor which parts of this buffer must
	// be repainted even without new screen damage. No hints means the
	// compositor assumes the whole buffer is stale.
	for _, r := range out.PendingDamage.Rects() {
		s.surface.DamageBuffer(r)
	}

	var flags CommitFlags
	if immediate {
		flags |= CommitImmediate
	}
	if s.renderCursors {
		flags |= CommitRenderCursors
	}

	if s.cursorPresent {
		cur, err := s.pools[buffer.DomainCursor].Acquire()
		if err != nil {
			s.pools[buffer.DomainOutput].Release(out)
			s.log.Error().Err(err).Msg("Failed to acquire cursor buffer")
			return fmt.Errorf("schedule capture: %w", err)
		}
		if !cur.PendingDamage.Empty() {
			s.surface.DamageCursorBuffer()
		}
		if err := s.surface.AttachCursorBuffer(cur); err != nil {
			s.pools[buffer.DomainCursor].Release(cur)
			s.pools[buffer.DomainOutput].Release(out)
			s.log.Error().Err(err).Msg("Failed to attach cursor buffer")
			return fmt.Errorf("schedule capture: %w", err)
		}
		s.curBuf = cur
	}

	s.surface.Commit(flags)
	s.outBuf = out
	s.setState(StateCommitted)
	s.log.Debug().Bool("immediate", immediate).Msg("Committed capture")
	return nil
}

func (s *Session) handleReconfigured(ev Reconfigured) {
	s.layouts[ev.Domain] = domainLayouts{}
	s.bufferInfoReady = false
	if s.state == StateNegotiated {
		s.setState(StateAwaitingNegotiation)
	}
	s.log.Debug().Stringer("domain", ev.Domain).Msg("Reconfigured")
}

func (s *Session) handleBufferInfo(ev BufferInfo) {
	l := &s.layouts[ev.Domain]
	info := layout{format: ev.Format, width: ev.Width, height: ev.Height, stride: ev.Stride}
	switch ev.Kind {
	case buffer.MemShm:
		l.shm = info
		l.haveShm = true
	case buffer.MemDmabuf:
		l.dmabuf = info
		l.haveDmabuf = true
	}
	s.log.Debug().
		Stringer("domain", ev.Domain).
		Stringer("kind", ev.Kind).
		Str("format", buffer.FormatString(ev.Format)).
		Int("width", ev.Width).
		Int("height", ev.Height).
		Msg("Got buffer info")
}

func (s *Session) chooseLayout(d buffer.Domain) Descriptor {
	l := s.layouts[d]
	if s.preferDmabuf && l.haveDmabuf {
		return Descriptor{
			Kind:   buffer.MemDmabuf,
			Format: l.dmabuf.format,
			Width:  l.dmabuf.width,
			Height: l.dmabuf.height,
		}
	}
	return Descriptor{
		Kind:   buffer.MemShm,
		Format: l.shm.format,
		Width:  l.shm.width,
		Height: l.shm.height,
		Stride: l.shm.stride,
	}
}

func (s *Session) handleNegotiationDone() {
	for _, d := range []buffer.Domain{buffer.DomainOutput, buffer.DomainCursor} {
		desc := s.chooseLayout(d)
		s.negotiated[d] = desc
		s.haveNegotiated[d] = true
		s.pools[d].Resize(desc.Kind, desc.Width, desc.Height, desc.Stride, desc.Format)
	}
	s.bufferInfoReady = true
	s.setState(StateNegotiated)
	s.log.Debug().Msg("Negotiation done")

	if !s.pendingStart {
		return
	}
	immediate := s.pendingImmediate
	s.pendingStart = false
	s.pendingImmediate = false
	if err := s.scheduleCapture(immediate); err != nil {
		// The deferred Start was already accepted, so its resolution must
		// arrive through the callback.
		s.onDone(StatusFailed, nil)
	}
}

func (s *Session) handleDamaged(ev Damaged) {
	if s.outBuf == nil {
		panic("screencopy: damage event with no capture outstanding")
	}
	s.outBuf.Damage.Add(ev.Rect)
}

func (s *Session) handleTransformed(ev Transformed) {
	if s.outBuf == nil {
		panic("screencopy: transform event with no capture outstanding")
	}
	s.outBuf.Transform = ev.Transform
}

func (s *Session) handleCursorInfo(ev CursorInfo) {
	if s.curBuf == nil {
		panic("screencopy: cursor info event with no cursor buffer outstanding")
	}
	s.cursorX, s.cursorY = ev.X, ev.Y
	s.hotspotX, s.hotspotY = ev.HotspotX, ev.HotspotY

	cur := s.curBuf
	s.curBuf = nil
	if ev.HasDamage {
		cur.Damage.Add(cur.Bounds())
	}
	s.pools[buffer.DomainCursor].SpreadDamage(&cur.Damage)
	cur.PendingDamage.Clear()
	s.pools[buffer.DomainCursor].Release(cur)
}

func (s *Session) handleReady() {
	if s.outBuf == nil {
		panic("screencopy: ready event with no capture outstanding")
	}
	s.setState(StateReady)

	out := s.outBuf
	s.outBuf = nil
	// The cycle's damage marks every sibling buffer stale there; this
	// buffer now holds the current frame, so its own staleness clears.
	s.pools[buffer.DomainOutput].SpreadDamage(&out.Damage)
	out.PendingDamage.Clear()
	s.frames++

	if s.bufferInfoReady {
		s.setState(StateNegotiated)
	} else {
		s.setState(StateAwaitingNegotiation)
	}
	s.log.Debug().Uint64("frames", s.frames).Msg("Capture ready")
	s.onDone(StatusDone, out)
}

func (s *Session) handleFailed(ev Failed) {
	if s.outBuf == nil {
		panic("screencopy: failed event with no capture outstanding")
	}
	s.setState(StateFailed)
	s.failures++
	s.log.Debug().Stringer("reason", ev.Reason).Msg("Capture failed")

	// A cursor buffer attached to the failed cycle stays held until its
	// own cursor-info resolution, the next schedule, or Destroy.
	s.pools[buffer.DomainOutput].Release(s.outBuf)
	s.outBuf = nil

	if ev.Reason == FailInvalidBuffer {
		s.recreateSurface()
	} else if s.bufferInfoReady {
		s.setState(StateNegotiated)
	} else {
		s.setState(StateAwaitingNegotiation)
	}
	s.onDone(StatusFailed, nil)
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// State returns the session's current machine state.
func (s *Session) State() State {
	return s.state
}

// RateLimit returns the advisory capture rate in frames per second for the
// caller's scheduler.
func (s *Session) RateLimit() int {
	return s.rateLimit
}

// CursorPresent reports whether the most recent presence signal said the
// cursor is on this output.
func (s *Session) CursorPresent() bool {
	return s.cursorPresent
}

// Negotiated returns the finalized layout for a domain, and whether any
// negotiation has completed for it.
func (s *Session) Negotiated(d buffer.Domain) (Descriptor, bool) {
	return s.negotiated[d], s.haveNegotiated[d]
}

// Stats is a point-in-time snapshot of session counters for monitoring.
type Stats struct {
	State         string    `json:"state"`
	Frames        uint64    `json:"frames"`
	Failures      uint64    `json:"failures"`
	InFlight      bool      `json:"in_flight"`
	CursorPresent bool      `json:"cursor_present"`
	CursorX       int       `json:"cursor_x"`
	CursorY       int       `json:"cursor_y"`
	LastCommit    time.Time `json:"last_commit,omitzero"`
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:         s.state.String(),
		Frames:        s.frames,
		Failures:      s.failures,
		InFlight:      s.outBuf != nil,
		CursorPresent: s.cursorPresent,
		CursorX:       s.cursorX,
		CursorY:       s.cursorY,
		LastCommit:    s.commitTime,
	}
}
