package screencopy

import (
	"fmt"
	"image"
	"time"

	"waymirror/internal/buffer"
)

// Event is one protocol signal delivered to a capture session. The set is
// sealed; sessions consume events through HandleEvent on the event-loop
// thread.
type Event interface {
	isEvent()
}

// Reconfigured invalidates a domain's advertised buffer layouts. It may
// arrive at any point before the next NegotiationDone and forces
// renegotiation before the next commit.
type Reconfigured struct {
	Domain buffer.Domain
}

// BufferInfo advertises a supported buffer layout for one domain and one
// memory kind.
type BufferInfo struct {
	Domain buffer.Domain
	Kind   buffer.MemKind
	Format uint32
	Width  int
	Height int
	Stride int
}

// NegotiationDone finalizes the advertised layouts for both domains.
type NegotiationDone struct{}

// Damaged reports a changed rectangle for the in-flight output buffer.
type Damaged struct {
	Rect image.Rectangle
}

// CursorEntered reports that the cursor moved onto the captured output.
type CursorEntered struct{}

// CursorLeft reports that the cursor moved off the captured output.
type CursorLeft struct{}

// CursorInfo resolves the in-flight cursor buffer and carries cursor
// placement for the cycle.
type CursorInfo struct {
	HasDamage bool
	X         int
	Y         int
	HotspotX  int
	HotspotY  int
}

// CommitTime reports the compositor-side timestamp for the current commit.
type CommitTime struct {
	Time time.Time
}

// Transformed reports the orientation of the in-flight output buffer.
type Transformed struct {
	Transform buffer.Transform
}

// Ready resolves the in-flight capture successfully.
type Ready struct{}

// Failed resolves the in-flight capture unsuccessfully.
type Failed struct {
	Reason FailReason
}

func (Reconfigured) isEvent()    {}
func (BufferInfo) isEvent()      {}
func (NegotiationDone) isEvent() {}
func (Damaged) isEvent()         {}
func (CursorEntered) isEvent()   {}
func (CursorLeft) isEvent()      {}
func (CursorInfo) isEvent()      {}
func (CommitTime) isEvent()      {}
func (Transformed) isEvent()     {}
func (Ready) isEvent()           {}
func (Failed) isEvent()          {}

// FailReason classifies a failed capture cycle.
type FailReason int

const (
	FailUnspecified FailReason = iota
	// FailInvalidBuffer means the attached buffer no longer satisfies the
	// compositor's constraints. Recoverable by surface recreation.
	FailInvalidBuffer
	FailInvalidCursorBuffer
)

func (r FailReason) String() string {
	switch r {
	case FailUnspecified:
		return "unspecified"
	case FailInvalidBuffer:
		return "invalid-buffer"
	case FailInvalidCursorBuffer:
		return "invalid-cursor-buffer"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}
