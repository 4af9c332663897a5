package room

import (
	"time"
)

// Link is the capability a transport hands to the room for one
// connection: enqueue outbound frames without blocking, and close. The
// Enqueue methods report false when the outbound buffer is saturated;
// what to do about that is the room's policy, never the transport's.
type Link interface {
	EnqueueText(data []byte) bool
	EnqueueBinary(data []byte) bool
	Close() error
}

type connState int

const (
	stateHandshaking connState = iota
	stateBound
	stateClosed
)

// conn is the room's view of one live transport session. It is owned by
// the room loop; nothing here needs locking.
type conn struct {
	link  Link
	state connState

	// id is meaningful once state == stateBound.
	id uint16

	attachedAt time.Time

	// latestPose is the body of the most recent pose frame this client
	// submitted; only the latest is kept. poseDirty marks that it arrived
	// since the last flush.
	latestPose []byte
	poseDirty  bool

	// Versions of peer documents already delivered to this connection,
	// keyed by peer id. The broadcast engine sends only what these maps
	// say the peer has not seen yet.
	deviceInfoSent  map[uint16]uint64
	calibrationSent map[uint16]uint64

	// needsFullState is set when a patch could not be enqueued; the
	// connection is desynced until a fresh full state goes through.
	needsFullState bool
}

func newConn(link Link, now time.Time) *conn {
	return &conn{
		link:            link,
		attachedAt:      now,
		deviceInfoSent:  make(map[uint16]uint64),
		calibrationSent: make(map[uint16]uint64),
	}
}

// Handle is what the transport keeps: a way to feed one connection's
// inbound traffic and lifecycle into the room loop. Receive and Closed
// may block briefly while the loop catches up, which preserves
// per-connection arrival order.
type Handle struct {
	r *Room
	c *conn
}

// Receive hands one inbound frame to the room. A no-op once the room
// loop has stopped.
func (h *Handle) Receive(data []byte, binary bool) {
	h.r.submit(messageEvent{c: h.c, data: data, binary: binary})
}

// Closed tells the room the transport session ended.
func (h *Handle) Closed(err error) {
	h.r.submit(closeEvent{c: h.c, err: err})
}
