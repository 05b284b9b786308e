package clipboard

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"waymirror/internal/eventloop"
)

type fakeOffer struct {
	write       *os.File
	receiveMime string
	destroyed   bool
}

func (o *fakeOffer) Receive(mime string, f *os.File) error {
	o.receiveMime = mime
	// The wire protocol duplicates the descriptor into the compositor.
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return err
	}
	o.write = os.NewFile(uintptr(fd), "fake-offer-write")
	return nil
}

func (o *fakeOffer) Destroy() { o.destroyed = true }

type fakeSource struct {
	events    func(SourceEvent)
	mimes     []string
	destroyed bool
}

func (s *fakeSource) Offer(mime string) { s.mimes = append(s.mimes, mime) }
func (s *fakeSource) Destroy()          { s.destroyed = true }

type fakeDevice struct {
	sink      func(DeviceEvent)
	sources   []*fakeSource
	selection Source
	primary   Source
	primaryOK bool
	destroyed bool
}

func (d *fakeDevice) CreateSource(events func(SourceEvent)) (Source, error) {
	s := &fakeSource{events: events}
	d.sources = append(d.sources, s)
	return s, nil
}

func (d *fakeDevice) SetSelection(src Source)        { d.selection = src }
func (d *fakeDevice) SetPrimarySelection(src Source) { d.primary = src }
func (d *fakeDevice) SupportsPrimary() bool          { return d.primaryOK }
func (d *fakeDevice) Destroy()                       { d.destroyed = true }

type fakeDeviceSource struct {
	dev *fakeDevice
	err error
}

func (f *fakeDeviceSource) OpenDevice(sink func(DeviceEvent)) (Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.dev.sink = sink
	return f.dev, nil
}

type fixture struct {
	loop *eventloop.Loop
	dev  *fakeDevice
	mgr  *Manager
	cuts chan string
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

func newFixture(t *testing.T, primary bool) *fixture {
	t.Helper()
	f := &fixture{
		loop: startLoop(t),
		dev:  &fakeDevice{primaryOK: primary},
		cuts: make(chan string, 4),
	}
	nop := zerolog.Nop()
	mgr, err := NewManager(Config{
		Source:    &fakeDeviceSource{dev: f.dev},
		Loop:      f.loop,
		OnCutText: func(s string) { f.cuts <- s },
		Log:       &nop,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

// post runs fn on the loop thread and waits for it.
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

func (f *fixture) waitCut(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.cuts:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cut text")
		return ""
	}
}

func TestInboundSelectionDeliversText(t *testing.T) {
	f := newFixture(t, true)
	offer := &fakeOffer{}

	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: offer, Mime: "text/html"})
		f.dev.sink(OfferMime{Offer: offer, Mime: textMime})
		f.dev.sink(SelectionChanged{Offer: offer})
	})
	if offer.write == nil {
		t.Fatal("transfer did not start")
	}
	if offer.receiveMime != textMime {
		t.Errorf("received mime %q, want %q", offer.receiveMime, textMime)
	}

	offer.write.WriteString("hello from host")
	offer.write.Close()

	if got := f.waitCut(t); got != "hello from host" {
		t.Errorf("cut text = %q", got)
	}

	// The transfer destructor runs right after delivery.
	f.post(t, func() {})
	if !offer.destroyed {
		t.Error("offer was not destroyed after the transfer finished")
	}
}

func TestNonMatchingOfferDestroyed(t *testing.T) {
	f := newFixture(t, true)
	offer := &fakeOffer{}

	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: offer, Mime: "image/png"})
		f.dev.sink(SelectionChanged{Offer: offer})
	})

	if !offer.destroyed {
		t.Error("offer without a text mime was not destroyed")
	}
	if offer.write != nil {
		t.Error("transfer started for a non-text offer")
	}
}

func TestPrimarySelectionDeliversText(t *testing.T) {
	f := newFixture(t, true)
	offer := &fakeOffer{}

	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: offer, Mime: textMime})
		f.dev.sink(PrimarySelectionChanged{Offer: offer})
	})
	if offer.write == nil {
		t.Fatal("primary selection transfer did not start")
	}
	offer.write.WriteString("middle click")
	offer.write.Close()

	if got := f.waitCut(t); got != "middle click" {
		t.Errorf("cut text = %q", got)
	}
}

func TestClearedSelectionIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.post(t, func() {
		f.dev.sink(SelectionChanged{Offer: nil})
		f.dev.sink(PrimarySelectionChanged{Offer: nil})
	})
	select {
	case s := <-f.cuts:
		t.Fatalf("unexpected cut text %q", s)
	default:
	}
}

func TestPublishTextOffersBothSelections(t *testing.T) {
	f := newFixture(t, true)

	var pubErr error
	f.post(t, func() { pubErr = f.mgr.PublishText("copy me") })
	if pubErr != nil {
		t.Fatalf("PublishText: %v", pubErr)
	}

	if len(f.dev.sources) != 2 {
		t.Fatalf("created %d sources, want 2", len(f.dev.sources))
	}
	for i, src := range f.dev.sources {
		if len(src.mimes) != 1 || src.mimes[0] != textMime {
			t.Errorf("source %d offered %v", i, src.mimes)
		}
	}
	if f.dev.selection != Source(f.dev.sources[0]) {
		t.Error("selection was not set to the first source")
	}
	if f.dev.primary != Source(f.dev.sources[1]) {
		t.Error("primary selection was not set to the second source")
	}

	// A peer paste asks the source to write into a pipe.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	f.post(t, func() {
		f.dev.sources[0].events(SourceSend{Mime: textMime, File: w})
	})
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read paste: %v", err)
	}
	if string(got) != "copy me" {
		t.Errorf("paste delivered %q", got)
	}
}

func TestPublishWithoutPrimarySupport(t *testing.T) {
	f := newFixture(t, false)
	f.post(t, func() { f.mgr.PublishText("copy me") })

	if len(f.dev.sources) != 1 {
		t.Fatalf("created %d sources, want 1", len(f.dev.sources))
	}
	if f.dev.primary != nil {
		t.Error("primary selection set despite missing support")
	}
}

func TestPublishEmptyTextRejected(t *testing.T) {
	f := newFixture(t, true)
	var err error
	f.post(t, func() { err = f.mgr.PublishText("") })
	if err == nil {
		t.Fatal("publishing empty text succeeded")
	}
	if len(f.dev.sources) != 0 {
		t.Errorf("created %d sources for empty text", len(f.dev.sources))
	}
}

func TestCancelledSourceDestroyed(t *testing.T) {
	f := newFixture(t, true)
	f.post(t, func() { f.mgr.PublishText("first") })
	first := f.dev.sources[0]

	f.post(t, func() { first.events(SourceCancelled{}) })
	if !first.destroyed {
		t.Error("cancelled source was not destroyed")
	}

	var err error
	f.post(t, func() { err = f.mgr.PublishText("second") })
	if err != nil {
		t.Fatalf("republish after cancel: %v", err)
	}
}

func TestOwnSelectionEchoSuppressed(t *testing.T) {
	f := newFixture(t, true)
	f.post(t, func() { f.mgr.PublishText("hello") })

	echo := &fakeOffer{}
	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: echo, Mime: textMime})
		f.dev.sink(SelectionChanged{Offer: echo})
	})
	echo.write.WriteString("hello")
	echo.write.Close()

	select {
	case s := <-f.cuts:
		t.Fatalf("echoed selection %q was delivered", s)
	case <-time.After(100 * time.Millisecond):
	}

	// A genuinely new selection still comes through.
	fresh := &fakeOffer{}
	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: fresh, Mime: textMime})
		f.dev.sink(SelectionChanged{Offer: fresh})
	})
	fresh.write.WriteString("changed")
	fresh.write.Close()
	if got := f.waitCut(t); got != "changed" {
		t.Errorf("cut text = %q", got)
	}
}

func TestDeviceFinishedStopsManager(t *testing.T) {
	f := newFixture(t, true)
	f.post(t, func() { f.dev.sink(DeviceFinished{}) })

	if !f.dev.destroyed {
		t.Error("device was not destroyed")
	}
	var err error
	f.post(t, func() { err = f.mgr.PublishText("late") })
	if !errors.Is(err, ErrDeviceGone) {
		t.Errorf("PublishText after finish = %v, want ErrDeviceGone", err)
	}
}

func TestDestroyCancelsTransfers(t *testing.T) {
	f := newFixture(t, true)
	offer := &fakeOffer{}
	f.post(t, func() {
		f.dev.sink(OfferMime{Offer: offer, Mime: textMime})
		f.dev.sink(SelectionChanged{Offer: offer})
	})
	if offer.write == nil {
		t.Fatal("transfer did not start")
	}

	f.post(t, func() { f.mgr.Destroy() })

	if !offer.destroyed {
		t.Error("offer of the aborted transfer was not destroyed")
	}
	if !f.dev.destroyed {
		t.Error("device was not destroyed")
	}
	select {
	case s := <-f.cuts:
		t.Fatalf("aborted transfer delivered %q", s)
	default:
	}
}

func TestOpenDeviceErrorPropagates(t *testing.T) {
	loop := startLoop(t)
	nop := zerolog.Nop()
	wantErr := errors.New("no seat")
	_, err := NewManager(Config{
		Source: &fakeDeviceSource{err: wantErr},
		Loop:   loop,
		Log:    &nop,
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("NewManager error = %v, want %v", err, wantErr)
	}
}
