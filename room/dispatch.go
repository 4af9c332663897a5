package room

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

// dispatchBound routes one frame from a bound connection. The returned
// error becomes an `error` payload for the sender; it never takes the
// room down.
func (r *Room) dispatchBound(c *conn, data []byte, binary bool) error {
	if binary {
		return r.dispatchBinary(c, data)
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *protocol.Set:
		if err := r.applyField(m.Client, m.Field, m.Value); err != nil {
			return err
		}
		r.persist()

	case *protocol.Multiset:
		// All entries land before the next flush, so their patches reach
		// subscribers as one batch.
		for _, entry := range m.Data {
			if err := r.applyField(entry.Client, entry.Field, entry.Value); err != nil {
				return err
			}
		}
		r.persist()

	case *protocol.ResetRoom:
		r.reset()

	case *protocol.RequestLogs:
		target, ok := r.conns[m.Client]
		if !ok {
			return fmt.Errorf("client %d is not connected", m.Client)
		}
		r.sendMessage(target, m)

	case *protocol.Quit:
		target, ok := r.conns[m.Client]
		if !ok {
			return fmt.Errorf("client %d is not connected", m.Client)
		}
		r.dropConn(target, nil)

	case *protocol.KeepAlive:
		// The transport already refreshed its receive deadline; there is
		// nothing for the room to do.

	case *protocol.FeatureMessage:
		f, ok := r.featureActions[m.Action]
		if !ok {
			return fmt.Errorf("unknown action '%s'", m.Action)
		}
		return r.invokeFeature(c, f, m.Action, m.Payload)

	case *protocol.GimmeID, *protocol.AlreadyHasID:
		return fmt.Errorf("connection is already bound as client %d", c.id)

	default:
		return fmt.Errorf("unhandled action '%s'", msg.GetAction())
	}

	return nil
}

// dispatchBinary routes pose frames into this client's latest-frame slot
// and relays haptic impulses to their addressee.
func (r *Room) dispatchBinary(c *conn, data []byte) error {
	if len(data) == 0 {
		return protocol.ErrEmptyFrame
	}

	switch data[0] {
	case protocol.MessageTypePose:
		body, err := protocol.PoseFrameBody(data)
		if err != nil {
			return err
		}

		// Last write wins; no history is kept.
		c.latestPose = body
		c.poseDirty = true
		return nil

	case protocol.MessageTypeHaptic:
		impulse, err := protocol.DecodeHapticImpulse(data)
		if err != nil {
			return err
		}

		target, ok := r.conns[uint16(impulse.ClientID)]
		if !ok {
			// The addressee left; haptics are fire-and-forget.
			return nil
		}

		if !target.link.EnqueueBinary(data) {
			r.log.Debug("Dropped haptic impulse on saturated connection",
				zap.Uint16("client", target.id))
		}
		return nil
	}

	return fmt.Errorf("unknown binary frame type %d", data[0])
}
