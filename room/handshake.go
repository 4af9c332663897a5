package room

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
	"github.com/CodeWitchBella/netvr-sub001/storage"
)

// handleHandshake processes the first message on a connection. Anything
// other than a well-formed identity request with the right protocol
// version closes the connection, with an explanation while it is still
// writable.
func (r *Room) handleHandshake(c *conn, data []byte, binary bool) error {
	if binary {
		r.sendError(c, "expected a handshake, got a binary frame", nil)
		r.dropConn(c, nil)
		return nil
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		r.sendError(c, err.Error(), nil)
		r.dropConn(c, nil)
		return nil
	}

	switch m := msg.(type) {
	case *protocol.GimmeID:
		if !r.checkVersion(c, m.ProtocolVersion) {
			return nil
		}

		return r.bindFresh(c)

	case *protocol.AlreadyHasID:
		if !r.checkVersion(c, m.ProtocolVersion) {
			return nil
		}

		return r.bindReclaim(c, m.ID, m.Token)

	default:
		r.sendError(c, fmt.Sprintf("expected a handshake, got '%s'", msg.GetAction()), nil)
		r.dropConn(c, nil)
		return nil
	}
}

// checkVersion rejects a mismatched protocol version before any identity
// is issued.
func (r *Room) checkVersion(c *conn, declared int) bool {
	if declared == r.protocolVersion {
		return true
	}

	r.sendError(c, fmt.Sprintf(
		"protocol version mismatch: client speaks %d, server speaks %d",
		declared, r.protocolVersion), nil)
	r.dropConn(c, nil)

	return false
}

// bindFresh issues a brand new identity.
func (r *Room) bindFresh(c *conn) error {
	id, token, err := r.identities.Issue()
	if err != nil {
		// No identity means no session; keeping the connection around
		// until the handshake timeout would only waste a slot.
		r.sendError(c, "failed to issue identity", nil)
		r.dropConn(c, err)
		r.log.Error("Failed to issue identity", zap.Error(err))
		return nil
	}

	r.bind(c, id, false)
	r.sendMessage(c, &protocol.IDHere{
		IntValue:        id,
		StringValue:     token,
		ProtocolVersion: r.protocolVersion,
	})
	r.finishBind(c, false)

	r.log.Info("Issued identity", zap.Uint16("client", id))
	return nil
}

// bindReclaim rebinds an existing identity if the token proves ownership.
// A bad token or unknown id is not an error: the client transparently
// gets a fresh identity instead.
func (r *Room) bindReclaim(c *conn, id uint16, token string) error {
	switch r.identities.Claim(id, token) {
	case storage.ClaimOK:

	case storage.ClaimBound:
		// The token proves ownership, so the stale session loses.
		old := r.conns[id]
		r.log.Info("Evicting stale connection", zap.Uint16("client", id))
		r.dropConn(old, nil)

		if r.identities.Claim(id, token) != storage.ClaimOK {
			return r.bindFresh(c)
		}

	case storage.ClaimRejected:
		return r.bindFresh(c)
	}

	r.bind(c, id, true)
	r.sendMessage(c, &protocol.IDAck{ProtocolVersion: r.protocolVersion})
	r.finishBind(c, true)

	r.log.Info("Reclaimed identity", zap.Uint16("client", id))
	return nil
}

// bind moves a connection into the bound state under the given identity.
func (r *Room) bind(c *conn, id uint16, reclaim bool) {
	delete(r.pending, c)
	c.state = stateBound
	c.id = id
	r.conns[id] = c

	if err := r.clients.EnsureClient(id); err != nil {
		r.log.Error("Failed to create client document",
			zap.Uint16("client", id), zap.Error(err))
	}

	if err := r.clients.Update(id, "connected", true); err != nil {
		r.log.Error("Failed to mark client connected",
			zap.Uint16("client", id), zap.Error(err))
	}
}

// finishBind runs after the handshake reply is queued: the new connection
// gets the full room document, and features hear about the arrival.
func (r *Room) finishBind(c *conn, reclaim bool) {
	r.sendFullState(c)

	for _, f := range r.features {
		var (
			st      interface{}
			effects []Effect
		)

		if reclaim {
			st, effects = f.OnReconnect(c.id, r.featureStates[f.Name()])
		} else {
			st, effects = f.OnConnect(c.id, r.featureStates[f.Name()])
		}

		r.featureStates[f.Name()] = st
		r.applyEffects(effects)
	}

	r.persist()
}

// sendFullState ships the complete room document and marks every peer
// document as seen, since the snapshot subsumes them. A saturated queue
// leaves the connection desynced so the next tick retries; marking it
// synced without delivery would lose the missed changes for good.
func (r *Room) sendFullState(c *conn) {
	data, err := protocol.Marshal(&protocol.FullStateReset{State: r.clients.Document()})
	if err != nil {
		r.log.Error("Failed to encode full state", zap.Error(err))
		return
	}

	if !c.link.EnqueueText(data) {
		c.needsFullState = true
		r.log.Warn("Connection fell behind on full state, retrying next tick",
			zap.Uint16("client", c.id))
		return
	}

	c.deviceInfoSent = make(map[uint16]uint64, len(r.deviceInfoVersion))
	for id, v := range r.deviceInfoVersion {
		c.deviceInfoSent[id] = v
	}

	c.calibrationSent = make(map[uint16]uint64, len(r.calibrationVersion))
	for id, v := range r.calibrationVersion {
		c.calibrationSent[id] = v
	}

	c.needsFullState = false
}
