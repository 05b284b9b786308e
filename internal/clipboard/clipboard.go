// Package clipboard synchronizes text selections between the compositor
// and the mirror peer. Inbound selections are read off a pipe watched by
// the event loop; outbound text is advertised as both the regular and the
// primary selection. All methods and callbacks run on the loop thread.
package clipboard

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
)

const textMime = "text/plain;charset=utf-8"

const readChunkSize = 4096

// ErrDeviceGone means the compositor withdrew the selection device.
var ErrDeviceGone = errors.New("selection device is gone")

// Offer is selection content another client advertises. Receive starts a
// transfer into the write end of a pipe; the implementation duplicates the
// descriptor, so the caller keeps ownership of f.
type Offer interface {
	Receive(mime string, f *os.File) error
	Destroy()
}

// Source is selection content we advertise.
type Source interface {
	Offer(mime string)
	Destroy()
}

// SourceEvent is a notification for a Source we created.
type SourceEvent interface {
	isSourceEvent()
}

// SourceSend asks us to write the selection in the given mime type to File.
// The receiver owns File and must close it.
type SourceSend struct {
	Mime string
	File *os.File
}

// SourceCancelled means the source was replaced and should be destroyed.
type SourceCancelled struct{}

func (SourceSend) isSourceEvent()      {}
func (SourceCancelled) isSourceEvent() {}

// DeviceEvent is a notification from the selection device.
type DeviceEvent interface {
	isDeviceEvent()
}

// OfferMime announces one mime type carried by a pending offer.
type OfferMime struct {
	Offer Offer
	Mime  string
}

// SelectionChanged names the offer now holding the selection, or nil when
// the selection was cleared.
type SelectionChanged struct {
	Offer Offer
}

// PrimarySelectionChanged is SelectionChanged for the primary selection.
type PrimarySelectionChanged struct {
	Offer Offer
}

// DeviceFinished means the compositor withdrew the device.
type DeviceFinished struct{}

func (OfferMime) isDeviceEvent()               {}
func (SelectionChanged) isDeviceEvent()        {}
func (PrimarySelectionChanged) isDeviceEvent() {}
func (DeviceFinished) isDeviceEvent()          {}

// Device is an open selection device.
type Device interface {
	CreateSource(events func(SourceEvent)) (Source, error)
	SetSelection(Source)
	SetPrimarySelection(Source)
	SupportsPrimary() bool
	Destroy()
}

// DeviceSource opens selection devices. The sink receives every device
// event on the loop thread.
type DeviceSource interface {
	OpenDevice(sink func(DeviceEvent)) (Device, error)
}

// Config assembles a Manager.
type Config struct {
	Source DeviceSource
	Loop   *eventloop.Loop

	// OnCutText receives inbound selection text.
	OnCutText func(string)

	Log *zerolog.Logger
}

// Manager owns one selection device and the transfers across it.
type Manager struct {
	log  *zerolog.Logger
	loop *eventloop.Loop
	dev  Device

	onCut func(string)

	// offer is the latched candidate for the selection round in flight: the
	// first pending offer that advertised our mime type.
	offer Offer

	transfers map[*transfer]struct{}

	selectionSrc Source
	primarySrc   Source

	// sentText is the last text we published, kept to drop the compositor's
	// echo of our own selection.
	sentText string

	closed bool
}

// NewManager opens a selection device and starts mirroring selections.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("clipboard: no device source")
	}
	if cfg.Loop == nil {
		return nil, errors.New("clipboard: no event loop")
	}
	log := cfg.Log
	if log == nil {
		log = logger.WithComponent("clipboard")
	}
	m := &Manager{
		log:       log,
		loop:      cfg.Loop,
		onCut:     cfg.OnCutText,
		transfers: make(map[*transfer]struct{}),
	}
	dev, err := cfg.Source.OpenDevice(m.handleDeviceEvent)
	if err != nil {
		return nil, fmt.Errorf("open selection device: %w", err)
	}
	m.dev = dev
	return m, nil
}

// PublishText advertises text as the new selection and, when supported, the
// primary selection. Previously published sources are cancelled by the
// compositor and cleaned up then.
func (m *Manager) PublishText(text string) error {
	if m.closed || m.dev == nil {
		return ErrDeviceGone
	}
	if text == "" {
		m.log.Error().Msg("Refusing to publish empty selection text")
		return errors.New("clipboard: refusing to publish empty text")
	}
	m.sentText = text

	sel, err := m.newTextSource(text)
	if err != nil {
		return err
	}
	m.selectionSrc = sel
	m.dev.SetSelection(sel)

	if m.dev.SupportsPrimary() {
		prim, err := m.newTextSource(text)
		if err != nil {
			return err
		}
		m.primarySrc = prim
		m.dev.SetPrimarySelection(prim)
	}
	m.log.Debug().Int("bytes", len(text)).Msg("Published selection text")
	return nil
}

// Destroy stops all transfers and releases the device. Partial transfers
// are discarded.
func (m *Manager) Destroy() {
	if m.closed {
		return
	}
	m.closed = true
	for t := range m.transfers {
		m.loop.Unwatch(int(t.file.Fd()))
	}
	if m.offer != nil {
		m.offer.Destroy()
		m.offer = nil
	}
	if m.selectionSrc != nil {
		m.selectionSrc.Destroy()
		m.selectionSrc = nil
	}
	if m.primarySrc != nil {
		m.primarySrc.Destroy()
		m.primarySrc = nil
	}
	if m.dev != nil {
		m.dev.Destroy()
		m.dev = nil
	}
}

func (m *Manager) newTextSource(text string) (Source, error) {
	var src Source
	src, err := m.dev.CreateSource(func(ev SourceEvent) {
		switch e := ev.(type) {
		case SourceSend:
			m.sendText(e, text)
		case SourceCancelled:
			if m.selectionSrc == src {
				m.selectionSrc = nil
			}
			if m.primarySrc == src {
				m.primarySrc = nil
			}
			src.Destroy()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create selection source: %w", err)
	}
	src.Offer(textMime)
	return src, nil
}

func (m *Manager) sendText(ev SourceSend, text string) {
	defer ev.File.Close()
	if ev.Mime != textMime {
		m.log.Warn().Str("mime", ev.Mime).Msg("Peer requested selection in unoffered mime type")
		return
	}
	n, err := ev.File.Write([]byte(text))
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to write selection text")
		return
	}
	if n != len(text) {
		m.log.Warn().Int("wrote", n).Int("want", len(text)).Msg("Write from clipboard incomplete")
	}
}

func (m *Manager) handleDeviceEvent(ev DeviceEvent) {
	if m.closed {
		return
	}
	switch e := ev.(type) {
	case OfferMime:
		if m.offer == nil && e.Mime == textMime {
			m.offer = e.Offer
		}
	case SelectionChanged:
		m.handleSelection(e.Offer)
	case PrimarySelectionChanged:
		m.handleSelection(e.Offer)
	case DeviceFinished:
		m.log.Warn().Msg("Selection device withdrawn by compositor")
		m.Destroy()
	}
}

// handleSelection resolves the offer round: the latched offer is received,
// anything else is destroyed so the compositor can reclaim it. An offer can
// arrive as both the selection and the primary selection; the transfer it
// started keeps it alive until completion.
func (m *Manager) handleSelection(offer Offer) {
	if offer == nil {
		return
	}
	if offer != m.offer {
		for t := range m.transfers {
			if t.offer == offer {
				return
			}
		}
		offer.Destroy()
		return
	}
	m.offer = nil
	m.receive(offer)
}

func (m *Manager) receive(offer Offer) {
	r, w, err := os.Pipe()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to create transfer pipe")
		offer.Destroy()
		return
	}
	if err := offer.Receive(textMime, w); err != nil {
		m.log.Error().Err(err).Msg("Failed to start selection transfer")
		w.Close()
		r.Close()
		offer.Destroy()
		return
	}
	w.Close()

	t := &transfer{mgr: m, offer: offer, file: r}
	m.transfers[t] = struct{}{}
	m.loop.Watch(int(r.Fd()), t.onRead, t.onRemove)
}

// transfer is one inbound selection read in progress.
type transfer struct {
	mgr   *Manager
	offer Offer
	file  *os.File
	data  []byte
}

func (t *transfer) onRead() int {
	var chunk [readChunkSize]byte
	n, err := t.file.Read(chunk[:])
	if n > 0 {
		t.data = append(t.data, chunk[:n]...)
	}
	if n <= 0 || err != nil {
		t.mgr.completeTransfer(t)
		return 0
	}
	return n
}

func (t *transfer) onRemove() {
	t.file.Close()
	t.offer.Destroy()
	delete(t.mgr.transfers, t)
}

func (m *Manager) completeTransfer(t *transfer) {
	text := string(t.data)
	if m.closed || text == "" {
		return
	}
	if text == m.sentText {
		m.log.Debug().Msg("Ignoring echo of our own selection")
		return
	}
	m.log.Debug().Int("bytes", len(text)).Msg("Received selection text")
	if m.onCut != nil {
		m.onCut(text)
	}
}
