package room

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

// flush runs once per tick: drained patches, per-peer document deltas,
// then one multiplexed pose frame per recipient. Everything it sends
// reflects a consistent snapshot of room state at this instant, because
// nothing else mutates state while it runs.
func (r *Room) flush() {
	r.flushPatches()
	r.flushDocuments()
	r.flushPoses()
}

// flushPatches fans the coalesced patch batch out to every bound
// connection. A connection whose queue is saturated is marked desynced
// and recovers through a fresh full state instead of lost patches.
func (r *Room) flushPatches() {
	patches := r.clients.Drain()

	// Desynced connections first: they must not receive patches until a
	// full state went through.
	for _, c := range r.boundConns() {
		if c.needsFullState {
			r.sendFullState(c)
		}
	}

	if len(patches) == 0 {
		return
	}

	data, err := protocol.Marshal(&protocol.PatchMessage{Patches: patches})
	if err != nil {
		r.log.Error("Failed to encode patch batch", zap.Error(err))
		return
	}

	for _, c := range r.boundConns() {
		if c.needsFullState {
			continue
		}

		if !c.link.EnqueueText(data) {
			c.needsFullState = true
			r.log.Warn("Connection fell behind on patches, scheduling full state",
				zap.Uint16("client", c.id))
		}
	}
}

// flushDocuments sends each recipient the device info and calibrations of
// peers it has not seen yet. Sent versions only advance when the enqueue
// succeeds, so a skipped tick retries until delivered; nothing is ever
// sent twice unless the document actually changed.
func (r *Room) flushDocuments() {
	for _, c := range r.boundConns() {
		r.flushDeviceInfo(c)
		r.flushCalibrations(c)
	}
}

func (r *Room) flushDeviceInfo(c *conn) {
	var entries []protocol.DeviceInfoEntry

	for _, id := range sortedIDs(r.deviceInfoVersion) {
		if id == c.id && !r.selfEcho {
			continue
		}

		if c.deviceInfoSent[id] >= r.deviceInfoVersion[id] {
			continue
		}

		entries = append(entries, protocol.DeviceInfoEntry{
			ID:   id,
			Info: json.RawMessage(r.clients.Get(id, "devices").Raw),
		})
	}

	if len(entries) == 0 {
		return
	}

	data, err := protocol.Marshal(&protocol.DeviceInfoMessage{Info: entries})
	if err != nil {
		r.log.Error("Failed to encode device info", zap.Error(err))
		return
	}

	if !c.link.EnqueueText(data) {
		return
	}

	for _, e := range entries {
		c.deviceInfoSent[e.ID] = r.deviceInfoVersion[e.ID]
	}
}

func (r *Room) flushCalibrations(c *conn) {
	var entries []protocol.CalibrationEntry

	for _, id := range sortedIDs(r.calibrationVersion) {
		if id == c.id && !r.selfEcho {
			continue
		}

		if c.calibrationSent[id] >= r.calibrationVersion[id] {
			continue
		}

		entries = append(entries, protocol.CalibrationEntry{
			ID:          id,
			Calibration: json.RawMessage(r.clients.Get(id, "calibration").Raw),
		})
	}

	if len(entries) == 0 {
		return
	}

	data, err := protocol.Marshal(&protocol.SetCalibration{Calibrations: entries})
	if err != nil {
		r.log.Error("Failed to encode calibrations", zap.Error(err))
		return
	}

	if !c.link.EnqueueText(data) {
		return
	}

	for _, e := range entries {
		c.calibrationSent[e.ID] = r.calibrationVersion[e.ID]
	}
}

// flushPoses batches every fresh pose into one frame per recipient. A
// recipient whose outbound buffer is saturated simply misses this tick:
// pose data is last-write-wins, so the next tick heals it.
func (r *Room) flushPoses() {
	contributors := make([]*conn, 0, len(r.conns))

	for _, id := range sortedConnIDs(r.conns) {
		c := r.conns[id]
		if c.poseDirty && len(c.latestPose) > 0 {
			contributors = append(contributors, c)
		}
	}

	if len(contributors) == 0 {
		return
	}

	entries := make([]protocol.BroadcastEntry, 0, len(contributors))
	for _, c := range contributors {
		entries = append(entries, protocol.BroadcastEntry{ClientID: c.id, Body: c.latestPose})
	}

	for _, recipient := range r.boundConns() {
		frame := entries
		if !r.selfEcho {
			frame = withoutClient(entries, recipient.id)
		}

		if len(frame) == 0 {
			continue
		}

		if !recipient.link.EnqueueBinary(protocol.EncodeBroadcastFrame(frame)) {
			r.log.Debug("Dropped pose broadcast on saturated connection",
				zap.Uint16("client", recipient.id))
		}
	}

	for _, c := range contributors {
		c.poseDirty = false
	}
}

func withoutClient(entries []protocol.BroadcastEntry, id uint16) []protocol.BroadcastEntry {
	for i, e := range entries {
		if e.ClientID != id {
			continue
		}

		out := make([]protocol.BroadcastEntry, 0, len(entries)-1)
		out = append(out, entries[:i]...)
		return append(out, entries[i+1:]...)
	}

	return entries
}

func sortedIDs(m map[uint16]uint64) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedConnIDs(m map[uint16]*conn) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
