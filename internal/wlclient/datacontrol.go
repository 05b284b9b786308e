package wlclient

import (
	"os"

	"golang.org/x/sys/unix"

	"waymirror/internal/clipboard"
)

// wlr data-control protocol: interface names, requests, and events.
const (
	dataControlManagerIface = "zwlr_data_control_manager_v1"
	dataControlDeviceIface  = "zwlr_data_control_device_v1"
	dataControlSourceIface  = "zwlr_data_control_source_v1"
	dataControlOfferIface   = "zwlr_data_control_offer_v1"

	dataControlManagerCreateDataSource = 0
	dataControlManagerGetDataDevice    = 1

	dataControlDeviceSetSelection        = 0
	dataControlDeviceDestroy             = 1
	dataControlDeviceSetPrimarySelection = 2

	dataControlSourceOffer   = 0
	dataControlSourceDestroy = 1

	dataControlOfferReceive = 0
	dataControlOfferDestroy = 1

	dataControlDeviceEvDataOffer        = 0
	dataControlDeviceEvSelection        = 1
	dataControlDeviceEvFinished         = 2
	dataControlDeviceEvPrimarySelection = 3

	dataControlSourceEvSend      = 0
	dataControlSourceEvCancelled = 1

	dataControlOfferEvOffer = 0
)

// DataControlSource opens selection devices over the data-control protocol.
type DataControlSource struct {
	cl *Client
}

// DataControl returns a selection device source for the default seat.
func (cl *Client) DataControl() (*DataControlSource, error) {
	if cl.dataControlMgr == nil {
		return nil, errNoGlobal(dataControlManagerIface)
	}
	if cl.seat == nil {
		return nil, errNoGlobal("wl_seat")
	}
	return &DataControlSource{cl: cl}, nil
}

// OpenDevice implements clipboard.DeviceSource.
func (d *DataControlSource) OpenDevice(sink func(clipboard.DeviceEvent)) (clipboard.Device, error) {
	if err := d.cl.conn.Err(); err != nil {
		return nil, err
	}
	dev := &dataDevice{cl: d.cl, sink: sink}
	dev.obj = d.cl.conn.newObject(dataControlDeviceIface, dev.handleEvent)
	w := newMsgWriter(d.cl.dataControlMgr.id, dataControlManagerGetDataDevice)
	w.putUint(dev.obj.id)
	w.putUint(d.cl.seat.id)
	d.cl.conn.send(w)
	if err := d.cl.conn.Err(); err != nil {
		return nil, err
	}
	return dev, nil
}

type dataDevice struct {
	cl        *Client
	obj       *object
	sink      func(clipboard.DeviceEvent)
	destroyed bool
}

func (d *dataDevice) handleEvent(opcode uint16, r *argReader) {
	switch opcode {
	case dataControlDeviceEvDataOffer:
		id := r.uint32()
		if r.err != nil || id == 0 {
			return
		}
		off := &dataOffer{cl: d.cl, sink: d.sink}
		off.obj = d.cl.conn.register(id, dataControlOfferIface, off.handleEvent)
		off.obj.user = off
	case dataControlDeviceEvSelection:
		d.sink(clipboard.SelectionChanged{Offer: d.lookupOffer(r.uint32())})
	case dataControlDeviceEvFinished:
		d.sink(clipboard.DeviceFinished{})
	case dataControlDeviceEvPrimarySelection:
		d.sink(clipboard.PrimarySelectionChanged{Offer: d.lookupOffer(r.uint32())})
	}
}

// lookupOffer maps an offer id from a selection event back to the wrapper
// created when the offer was announced.
func (d *dataDevice) lookupOffer(id uint32) clipboard.Offer {
	if id == 0 {
		return nil
	}
	o, ok := d.cl.conn.objects[id]
	if !ok {
		return nil
	}
	off, ok := o.user.(*dataOffer)
	if !ok {
		return nil
	}
	return off
}

// CreateSource implements clipboard.Device.
func (d *dataDevice) CreateSource(events func(clipboard.SourceEvent)) (clipboard.Source, error) {
	if err := d.cl.conn.Err(); err != nil {
		return nil, err
	}
	src := &dataSource{cl: d.cl, sink: events}
	src.obj = d.cl.conn.newObject(dataControlSourceIface, src.handleEvent)
	w := newMsgWriter(d.cl.dataControlMgr.id, dataControlManagerCreateDataSource)
	w.putUint(src.obj.id)
	d.cl.conn.send(w)
	return src, nil
}

// SetSelection implements clipboard.Device.
func (d *dataDevice) SetSelection(src clipboard.Source) {
	d.setSelection(dataControlDeviceSetSelection, src)
}

// SetPrimarySelection implements clipboard.Device.
func (d *dataDevice) SetPrimarySelection(src clipboard.Source) {
	if !d.SupportsPrimary() {
		return
	}
	d.setSelection(dataControlDeviceSetPrimarySelection, src)
}

// SupportsPrimary implements clipboard.Device. Primary selection needs
// version 2 of the data-control protocol.
func (d *dataDevice) SupportsPrimary() bool {
	return d.cl.dataControlVersion >= 2
}

func (d *dataDevice) setSelection(opcode uint16, src clipboard.Source) {
	var id uint32
	if s, ok := src.(*dataSource); ok && s != nil {
		id = s.obj.id
	}
	w := newMsgWriter(d.obj.id, opcode)
	w.putUint(id)
	d.cl.conn.send(w)
}

// Destroy implements clipboard.Device.
func (d *dataDevice) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	w := newMsgWriter(d.obj.id, dataControlDeviceDestroy)
	d.cl.conn.send(w)
	d.cl.conn.unregister(d.obj.id)
}

type dataOffer struct {
	cl        *Client
	obj       *object
	sink      func(clipboard.DeviceEvent)
	destroyed bool
}

func (o *dataOffer) handleEvent(opcode uint16, r *argReader) {
	if opcode == dataControlOfferEvOffer {
		o.sink(clipboard.OfferMime{Offer: o, Mime: r.string()})
	}
}

// Receive implements clipboard.Offer. The descriptor is duplicated into the
// request; f stays owned by the caller.
func (o *dataOffer) Receive(mime string, f *os.File) error {
	w := newMsgWriter(o.obj.id, dataControlOfferReceive)
	w.putString(mime)
	w.putFD(int(f.Fd()))
	o.cl.conn.send(w)
	return o.cl.conn.Err()
}

// Destroy implements clipboard.Offer.
func (o *dataOffer) Destroy() {
	if o.destroyed {
		return
	}
	o.destroyed = true
	w := newMsgWriter(o.obj.id, dataControlOfferDestroy)
	o.cl.conn.send(w)
	o.cl.conn.unregister(o.obj.id)
}

type dataSource struct {
	cl        *Client
	obj       *object
	sink      func(clipboard.SourceEvent)
	destroyed bool
}

func (s *dataSource) handleEvent(opcode uint16, r *argReader) {
	switch opcode {
	case dataControlSourceEvSend:
		mime := r.string()
		fd := r.fd()
		if r.err != nil {
			return
		}
		s.sink(clipboard.SourceSend{Mime: mime, File: os.NewFile(uintptr(fd), "selection-send")})
	case dataControlSourceEvCancelled:
		s.sink(clipboard.SourceCancelled{})
	}
}

// Offer implements clipboard.Source.
func (s *dataSource) Offer(mime string) {
	w := newMsgWriter(s.obj.id, dataControlSourceOffer)
	w.putString(mime)
	s.cl.conn.send(w)
}

// Destroy implements clipboard.Source.
func (s *dataSource) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	w := newMsgWriter(s.obj.id, dataControlSourceDestroy)
	s.cl.conn.send(w)
	// A send event already in flight must still pop its descriptor from the
	// fd queue or the next fd-bearing event reads the wrong one. The object
	// stays registered to swallow stragglers until delete_id confirms the
	// destroy.
	s.obj.handle = func(opcode uint16, r *argReader) {
		if opcode != dataControlSourceEvSend {
			return
		}
		r.string()
		if fd := r.fd(); fd >= 0 {
			unix.Close(fd)
		}
	}
}
