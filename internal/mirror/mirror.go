// Package mirror drives capture sessions for the outputs waymirror is
// asked to mirror: it owns the per-output buffer pools, paces captures at
// the advisory frame rate, retries after failed cycles, and hands finished
// frames to the configured sink.
package mirror

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"waymirror/internal/buffer"
	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
	"waymirror/internal/screencopy"
)

// FrameSink consumes delivered frames. PresentFrame runs on the event-loop
// thread; the sink owns the frame and must call Release on it.
type FrameSink interface {
	PresentFrame(output string, frame *buffer.Buffer)
}

// DiscardSink releases every frame unused. It stands in when no frame
// consumer is wired up, keeping capture pipelines exercisable.
type DiscardSink struct{}

func (DiscardSink) PresentFrame(output string, frame *buffer.Buffer) {
	frame.Release()
}

// FrameEvent is per-frame metadata published to subscribers.
type FrameEvent struct {
	SessionID   string    `json:"session_id"`
	Output      string    `json:"output"`
	Status      string    `json:"status"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	DamageRects int       `json:"damage_rects"`
	CursorX     int       `json:"cursor_x"`
	CursorY     int       `json:"cursor_y"`
	Timestamp   time.Time `json:"timestamp"`
}

// OutputStatus is one output plus its mirroring state.
type OutputStatus struct {
	OutputInfo
	Mirrored  bool   `json:"mirrored"`
	SessionID string `json:"session_id,omitempty"`
}

// OutputStats is a monitoring snapshot for one mirrored output.
type OutputStats struct {
	SessionID string           `json:"session_id"`
	Output    OutputInfo       `json:"output"`
	FPS       int              `json:"fps"`
	Presented uint64           `json:"presented"`
	Capture   screencopy.Stats `json:"capture"`
}

// Config assembles a Manager.
type Config struct {
	Backend Backend
	Loop    *eventloop.Loop

	// Sink receives finished frames. Defaults to DiscardSink.
	Sink FrameSink

	// Outputs selects which outputs to mirror by ID. Empty means all.
	Outputs []string

	// FPS caps the capture rate. Zero uses the session default.
	FPS int

	RenderCursors bool
	PreferDmabuf  bool

	Log *zerolog.Logger
}

// Manager runs one capture pipeline per mirrored output. Start and Stop
// must run on the event-loop thread; Snapshot, Outputs, Subscribe, and
// Unsubscribe are safe from any goroutine.
type Manager struct {
	log     *zerolog.Logger
	loop    *eventloop.Loop
	backend Backend
	sink    FrameSink

	fps           int
	selector      []string
	renderCursors bool
	preferDmabuf  bool

	mirrors map[string]*outputMirror
	running bool

	subMu       sync.RWMutex
	subscribers []chan FrameEvent
}

// NewManager validates cfg and builds a Manager. Nothing captures until
// Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("mirror: no backend")
	}
	if cfg.Loop == nil {
		return nil, errors.New("mirror: no event loop")
	}
	log := cfg.Log
	if log == nil {
		log = logger.WithComponent("mirror")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Manager{
		log:           log,
		loop:          cfg.Loop,
		backend:       cfg.Backend,
		sink:          sink,
		fps:           cfg.FPS,
		selector:      cfg.Outputs,
		renderCursors: cfg.RenderCursors,
		preferDmabuf:  cfg.PreferDmabuf,
		mirrors:       make(map[string]*outputMirror),
	}, nil
}

// Start begins mirroring the selected outputs. The first capture on each
// output is committed immediately; later ones wait for screen damage.
func (m *Manager) Start() error {
	if m.running {
		return errors.New("mirror: already running")
	}
	outputs, err := m.selectOutputs()
	if err != nil {
		return err
	}
	for _, info := range outputs {
		om, err := m.startOutput(info)
		if err != nil {
			m.stopAll()
			return fmt.Errorf("mirror %s: %w", info.ID, err)
		}
		m.mirrors[info.ID] = om
	}
	m.running = true
	return nil
}

// Stop tears down every capture pipeline. Pools are destroyed; frames still
// held by the sink are freed when the sink releases them.
func (m *Manager) Stop() {
	m.stopAll()
	m.running = false
}

func (m *Manager) stopAll() {
	for id, om := range m.mirrors {
		om.stop()
		delete(m.mirrors, id)
	}
}

func (m *Manager) selectOutputs() ([]OutputInfo, error) {
	all := m.backend.Outputs()
	if len(all) == 0 {
		return nil, errors.New("mirror: backend reports no outputs")
	}
	if len(m.selector) == 0 {
		return all, nil
	}
	byID := make(map[string]OutputInfo, len(all))
	for _, o := range all {
		byID[o.ID] = o
	}
	picked := make([]OutputInfo, 0, len(m.selector))
	for _, want := range m.selector {
		o, ok := byID[want]
		if !ok {
			return nil, fmt.Errorf("mirror: output %q not found", want)
		}
		picked = append(picked, o)
	}
	return picked, nil
}

func (m *Manager) startOutput(info OutputInfo) (*outputMirror, error) {
	src, err := m.backend.Source(info.ID)
	if err != nil {
		return nil, err
	}
	om := &outputMirror{
		id:      uuid.New(),
		info:    info,
		mgr:     m,
		outPool: buffer.NewPool(buffer.DomainOutput, m.backend.Allocator()),
		curPool: buffer.NewPool(buffer.DomainCursor, m.backend.Allocator()),
	}
	sess, err := screencopy.NewSession(screencopy.Config{
		Source:        src,
		OutputPool:    om.outPool,
		CursorPool:    om.curPool,
		RenderCursors: m.renderCursors,
		PreferDmabuf:  m.preferDmabuf,
		RateLimit:     m.fps,
		OnDone:        om.handleDone,
		OnTransition: func(from, to screencopy.State) {
			m.log.Debug().
				Str("output", info.ID).
				Stringer("from", from).
				Stringer("to", to).
				Msg("Capture state changed")
		},
		Log: m.log,
	})
	if err != nil {
		om.outPool.Destroy()
		om.curPool.Destroy()
		return nil, err
	}
	om.session = sess
	om.interval = time.Second / time.Duration(sess.RateLimit())

	if err := sess.Start(true); err != nil {
		om.stop()
		return nil, err
	}
	m.log.Info().
		Str("output", info.ID).
		Str("session_id", om.id.String()).
		Int("fps", sess.RateLimit()).
		Msg("Mirroring output")
	return om, nil
}

// Outputs lists every output the backend knows about and whether it is
// being mirrored.
func (m *Manager) Outputs() []OutputStatus {
	ch := make(chan []OutputStatus, 1)
	m.loop.Post(func() {
		all := m.backend.Outputs()
		statuses := make([]OutputStatus, 0, len(all))
		for _, info := range all {
			st := OutputStatus{OutputInfo: info}
			if om, ok := m.mirrors[info.ID]; ok {
				st.Mirrored = true
				st.SessionID = om.id.String()
			}
			statuses = append(statuses, st)
		}
		ch <- statuses
	})
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		return nil
	}
}

// Snapshot returns monitoring stats for every mirrored output.
func (m *Manager) Snapshot() []OutputStats {
	ch := make(chan []OutputStats, 1)
	m.loop.Post(func() {
		stats := make([]OutputStats, 0, len(m.mirrors))
		for _, om := range m.mirrors {
			stats = append(stats, OutputStats{
				SessionID: om.id.String(),
				Output:    om.info,
				FPS:       om.session.RateLimit(),
				Presented: om.presented,
				Capture:   om.session.Stats(),
			})
		}
		sort.Slice(stats, func(i, j int) bool {
			return stats[i].Output.ID < stats[j].Output.ID
		})
		ch <- stats
	})
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		return nil
	}
}

// Subscribe adds a listener for frame events.
func (m *Manager) Subscribe() chan FrameEvent {
	ch := make(chan FrameEvent, 10)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (m *Manager) Unsubscribe(ch chan FrameEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (m *Manager) notifySubscribers(ev FrameEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, sub := range m.subscribers {
		select {
		case sub <- ev:
		default:
			// Slow subscribers lose events rather than stalling capture.
		}
	}
}

// outputMirror is the capture pipeline for one output.
type outputMirror struct {
	id   uuid.UUID
	info OutputInfo
	mgr  *Manager

	session *screencopy.Session
	outPool *buffer.Pool
	curPool *buffer.Pool

	interval  time.Duration
	timer     *time.Timer
	presented uint64
	stopped   bool
}

func (om *outputMirror) handleDone(status screencopy.Status, frame *buffer.Buffer) {
	if om.stopped {
		if frame != nil {
			frame.Release()
		}
		return
	}
	ev := FrameEvent{
		SessionID: om.id.String(),
		Output:    om.info.ID,
		Status:    status.String(),
		Timestamp: time.Now(),
	}
	if frame != nil {
		ev.Width = frame.Width
		ev.Height = frame.Height
		ev.DamageRects = len(frame.Damage.Rects())
		st := om.session.Stats()
		ev.CursorX = st.CursorX
		ev.CursorY = st.CursorY
	}

	if status == screencopy.StatusDone && frame != nil {
		om.presented++
		om.mgr.sink.PresentFrame(om.info.ID, frame)
	} else {
		om.mgr.log.Debug().Str("output", om.info.ID).Msg("Capture cycle failed; retrying")
	}
	om.mgr.notifySubscribers(ev)
	om.rearm()
}

// capture requests the next frame. Failed requests re-arm instead of
// spinning.
func (om *outputMirror) capture() {
	if om.stopped {
		return
	}
	if err := om.session.Start(false); err != nil {
		om.mgr.log.Warn().Err(err).Str("output", om.info.ID).Msg("Capture restart failed")
		om.rearm()
	}
}

func (om *outputMirror) rearm() {
	if om.stopped {
		return
	}
	om.timer = time.AfterFunc(om.interval, func() {
		om.mgr.loop.Post(om.capture)
	})
}

func (om *outputMirror) stop() {
	if om.stopped {
		return
	}
	om.stopped = true
	if om.timer != nil {
		om.timer.Stop()
	}
	om.session.Destroy()
	om.outPool.Destroy()
	om.curPool.Destroy()
}
