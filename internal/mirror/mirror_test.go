package mirror

import (
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"waymirror/internal/buffer"
	"waymirror/internal/eventloop"
	"waymirror/internal/screencopy"
)

const (
	testWidth  = 16
	testHeight = 8
)

type fakeSurface struct {
	src       *fakeSource
	sink      func(screencopy.Event)
	attached  *buffer.Buffer
	destroyed bool
}

func (s *fakeSurface) announce() {
	if s.destroyed {
		return
	}
	s.sink(screencopy.BufferInfo{
		Domain: buffer.DomainOutput,
		Kind:   buffer.MemShm,
		Format: buffer.FormatXRGB8888,
		Width:  s.src.width,
		Height: s.src.height,
		Stride: s.src.width * 4,
	})
	s.sink(screencopy.NegotiationDone{})
}

func (s *fakeSurface) AttachBuffer(b *buffer.Buffer) error {
	s.attached = b
	return nil
}

func (s *fakeSurface) DamageBuffer(image.Rectangle) {}

func (s *fakeSurface) AttachCursorBuffer(*buffer.Buffer) error { return nil }

func (s *fakeSurface) DamageCursorBuffer() {}

func (s *fakeSurface) Commit(screencopy.CommitFlags) {
	buf := s.attached
	s.src.loop.Post(func() {
		if s.destroyed {
			return
		}
		if s.src.failures > 0 {
			s.src.failures--
			s.sink(screencopy.Failed{Reason: screencopy.FailUnspecified})
			return
		}
		s.sink(screencopy.Damaged{Rect: buf.Bounds()})
		s.sink(screencopy.Ready{})
	})
}

func (s *fakeSurface) Destroy() { s.destroyed = true }

type fakeSource struct {
	loop     *eventloop.Loop
	width    int
	height   int
	failures int
	surfaces []*fakeSurface
}

func (src *fakeSource) CreateSurface(sink func(screencopy.Event)) (screencopy.Surface, error) {
	surf := &fakeSurface{src: src, sink: sink}
	src.surfaces = append(src.surfaces, surf)
	src.loop.Post(surf.announce)
	return surf, nil
}

type fakeBackend struct {
	infos   []OutputInfo
	sources map[string]*fakeSource
}

func (b *fakeBackend) Name() string                { return "fake" }
func (b *fakeBackend) Outputs() []OutputInfo       { return b.infos }
func (b *fakeBackend) Allocator() buffer.Allocator { return buffer.HeapAllocator{} }
func (b *fakeBackend) Close()                      {}

func (b *fakeBackend) Source(id string) (screencopy.SurfaceSource, error) {
	src, ok := b.sources[id]
	if !ok {
		return nil, fmt.Errorf("unknown output %q", id)
	}
	return src, nil
}

type sinkFrame struct {
	output string
	width  int
	height int
}

type recordSink struct {
	frames chan sinkFrame
}

func (r *recordSink) PresentFrame(output string, frame *buffer.Buffer) {
	select {
	case r.frames <- sinkFrame{output: output, width: frame.Width, height: frame.Height}:
	default:
	}
	frame.Release()
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("create loop: %v", err)
	}
	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()
	t.Cleanup(func() {
		loop.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return loop
}

type fixture struct {
	loop    *eventloop.Loop
	backend *fakeBackend
	sink    *recordSink
	mgr     *Manager
}

func newFixture(t *testing.T, outputs []string, mutate func(*fakeBackend)) *fixture {
	t.Helper()
	loop := startLoop(t)
	backend := &fakeBackend{
		infos: []OutputInfo{
			{ID: "DP-1", Name: "DP-1", Width: testWidth, Height: testHeight, Backend: "fake"},
			{ID: "DP-2", Name: "DP-2", Width: testWidth, Height: testHeight, Backend: "fake"},
		},
		sources: map[string]*fakeSource{
			"DP-1": {loop: loop, width: testWidth, height: testHeight},
			"DP-2": {loop: loop, width: testWidth, height: testHeight},
		},
	}
	if mutate != nil {
		mutate(backend)
	}
	sink := &recordSink{frames: make(chan sinkFrame, 64)}
	nop := zerolog.Nop()
	mgr, err := NewManager(Config{
		Backend: backend,
		Loop:    loop,
		Sink:    sink,
		Outputs: outputs,
		FPS:     100,
		Log:     &nop,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{loop: loop, backend: backend, sink: sink, mgr: mgr}
}

func (f *fixture) post(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	f.loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run posted function")
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	var err error
	f.post(t, func() { err = f.mgr.Start() })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) waitFrame(t *testing.T) sinkFrame {
	t.Helper()
	select {
	case fr := <-f.sink.frames:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return sinkFrame{}
	}
}

func TestMirrorDeliversFrames(t *testing.T) {
	f := newFixture(t, []string{"DP-1"}, nil)
	events := f.mgr.Subscribe()
	defer f.mgr.Unsubscribe(events)

	f.start(t)

	first := f.waitFrame(t)
	if first.output != "DP-1" {
		t.Errorf("frame came from %q, want DP-1", first.output)
	}
	if first.width != testWidth || first.height != testHeight {
		t.Errorf("frame is %dx%d", first.width, first.height)
	}

	// The re-arm timer keeps frames coming without further Start calls.
	second := f.waitFrame(t)
	if second.output != "DP-1" {
		t.Errorf("second frame came from %q", second.output)
	}

	select {
	case ev := <-events:
		if ev.Status != "done" {
			t.Errorf("event status = %q, want done", ev.Status)
		}
		if ev.Output != "DP-1" || ev.SessionID == "" {
			t.Errorf("event = %+v", ev)
		}
		if ev.DamageRects == 0 {
			t.Error("frame event carries no damage")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame event published")
	}
}

func TestMirrorRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, []string{"DP-1"}, func(b *fakeBackend) {
		b.sources["DP-1"].failures = 2
	})
	events := f.mgr.Subscribe()
	defer f.mgr.Unsubscribe(events)

	f.start(t)

	fr := f.waitFrame(t)
	if fr.output != "DP-1" {
		t.Errorf("recovered frame came from %q", fr.output)
	}

	sawFailure := false
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Status == "failed" {
				sawFailure = true
			}
			if ev.Status == "done" {
				done = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("never saw a done event")
		}
	}
	if !sawFailure {
		t.Error("failed cycles published no events")
	}
}

func TestMirrorSelectsConfiguredOutputs(t *testing.T) {
	f := newFixture(t, []string{"DP-2"}, nil)
	f.start(t)

	fr := f.waitFrame(t)
	if fr.output != "DP-2" {
		t.Errorf("frame came from %q, want DP-2", fr.output)
	}

	statuses := f.mgr.Outputs()
	if len(statuses) != 2 {
		t.Fatalf("Outputs() returned %d entries", len(statuses))
	}
	for _, st := range statuses {
		wantMirrored := st.ID == "DP-2"
		if st.Mirrored != wantMirrored {
			t.Errorf("output %s mirrored = %v, want %v", st.ID, st.Mirrored, wantMirrored)
		}
		if st.Mirrored && st.SessionID == "" {
			t.Errorf("mirrored output %s has no session id", st.ID)
		}
	}
}

func TestMirrorAllOutputsByDefault(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case fr := <-f.sink.frames:
			seen[fr.output] = true
		case <-deadline:
			t.Fatalf("frames seen only from %v", seen)
		}
	}
}

func TestMirrorUnknownOutputFails(t *testing.T) {
	f := newFixture(t, []string{"HDMI-9"}, nil)
	var err error
	f.post(t, func() { err = f.mgr.Start() })
	if err == nil {
		t.Fatal("Start with an unknown output succeeded")
	}
}

func TestSnapshotCountsPresentedFrames(t *testing.T) {
	f := newFixture(t, []string{"DP-1"}, nil)
	f.start(t)
	f.waitFrame(t)

	stats := f.mgr.Snapshot()
	if len(stats) != 1 {
		t.Fatalf("Snapshot returned %d entries", len(stats))
	}
	st := stats[0]
	if st.Output.ID != "DP-1" || st.SessionID == "" {
		t.Errorf("snapshot = %+v", st)
	}
	if st.Presented == 0 {
		t.Error("snapshot shows no presented frames")
	}
	if st.FPS != 100 {
		t.Errorf("snapshot fps = %d, want 100", st.FPS)
	}
}

func TestStopDestroysSessions(t *testing.T) {
	f := newFixture(t, []string{"DP-1"}, nil)
	f.start(t)
	f.waitFrame(t)

	f.post(t, func() { f.mgr.Stop() })

	src := f.backend.sources["DP-1"]
	if len(src.surfaces) == 0 {
		t.Fatal("no surface was ever created")
	}
	for i, surf := range src.surfaces {
		if !surf.destroyed {
			t.Errorf("surface %d still alive after Stop", i)
		}
	}

	// Drain anything in flight, then confirm the pipeline is quiet.
	drain := time.After(100 * time.Millisecond)
	for quiet := false; !quiet; {
		select {
		case <-f.sink.frames:
		case <-drain:
			quiet = true
		}
	}
	select {
	case fr := <-f.sink.frames:
		t.Fatalf("frame from %q delivered after Stop", fr.output)
	case <-time.After(150 * time.Millisecond):
	}

	for _, st := range f.mgr.Outputs() {
		if st.Mirrored {
			t.Errorf("output %s still mirrored after Stop", st.ID)
		}
	}
}
