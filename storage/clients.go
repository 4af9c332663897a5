package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
)

const updateBufferSize = 255

// ClientStore holds the per-client configuration documents of a room as
// one JSON byte slice keyed by decimal client id. Every mutation produces
// explicit patches; patches coalesce in a pending list until Drain is
// called, so one incoming message that touches many fields still yields a
// single change event.
//
// Like the IdentityStore, the document is owned by the room's event loop.
// The subscriber list has its own lock because listeners may attach from
// other goroutines.
type ClientStore struct {
	values  []byte
	pending []protocol.Patch

	mu          sync.Mutex
	updateChans []chan []protocol.Patch

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewClientStore() *ClientStore {
	return &ClientStore{
		values: []byte("{}"),
		stop:   make(chan struct{}),
	}
}

func (c *ClientStore) Close() error {
	if c.isRunning() {
		close(c.stop)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, updateChan := range c.updateChans {
		close(updateChan)
	}
	c.updateChans = nil

	return nil
}

// defaultClient is the document every client starts from.
func defaultClient() []byte {
	doc, _ := json.Marshal(map[string]interface{}{
		"connected":   false,
		"calibration": protocol.Identity(),
		"devices":     []protocol.DeviceConfiguration{},
	})

	return doc
}

// EnsureClient creates the default document for an id if it does not
// exist yet. Client documents are never deleted, only marked
// disconnected.
func (c *ClientStore) EnsureClient(id uint16) error {
	key := strconv.FormatUint(uint64(id), 10)

	if gjson.GetBytes(c.values, key).Exists() {
		return nil
	}

	doc := defaultClient()

	values, err := sjson.SetRawBytes(c.values, key, doc)
	if err != nil {
		return fmt.Errorf("Failed to create client %d: %w", id, err)
	}

	c.values = values
	c.record(protocol.Patch{
		Op:    protocol.PatchAdd,
		Path:  "/clients/" + key,
		Value: json.RawMessage(doc),
	})

	return nil
}

// Update sets one field of one client's document, creating the document
// first if absent. Field may be a dotted path into the document.
func (c *ClientStore) Update(id uint16, field string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("Failed to encode value for field '%s': %w", field, err)
	}

	return c.UpdateRaw(id, field, raw)
}

// UpdateRaw is Update for values that are already encoded JSON. Splicing
// arbitrary bytes into the document would corrupt it for everyone, so a
// value that is not valid JSON is rejected outright.
func (c *ClientStore) UpdateRaw(id uint16, field string, raw json.RawMessage) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("Failed to set field '%s' of client %d: %w", field, id, protocol.ErrNotJSON)
	}

	if err := c.EnsureClient(id); err != nil {
		return err
	}

	path := fieldPath(id, field)

	op := protocol.PatchReplace
	if !gjson.GetBytes(c.values, path).Exists() {
		op = protocol.PatchAdd
	}

	values, err := sjson.SetRawBytes(c.values, path, raw)
	if err != nil {
		return fmt.Errorf("Failed to set field '%s' of client %d: %w", field, id, err)
	}

	c.values = values

	// Read back so the patch carries the normalized form.
	c.record(protocol.Patch{
		Op:    op,
		Path:  fieldPointer(id, field),
		Value: json.RawMessage(gjson.GetBytes(c.values, path).Raw),
	})

	return nil
}

// Remove deletes one field of one client's document.
func (c *ClientStore) Remove(id uint16, field string) error {
	path := fieldPath(id, field)

	if !gjson.GetBytes(c.values, path).Exists() {
		return nil
	}

	values, err := sjson.DeleteBytes(c.values, path)
	if err != nil {
		return fmt.Errorf("Failed to remove field '%s' of client %d: %w", field, id, err)
	}

	c.values = values
	c.record(protocol.Patch{Op: protocol.PatchRemove, Path: fieldPointer(id, field)})

	return nil
}

// Get reads one field of one client's document.
func (c *ClientStore) Get(id uint16, field string) gjson.Result {
	return gjson.GetBytes(c.values, fieldPath(id, field))
}

// Client returns one client's raw document, or nil if it does not exist.
func (c *ClientStore) Client(id uint16) []byte {
	result := gjson.GetBytes(c.values, strconv.FormatUint(uint64(id), 10))
	if !result.Exists() {
		return nil
	}

	return []byte(result.Raw)
}

// Has reports whether a document exists for the id.
func (c *ClientStore) Has(id uint16) bool {
	return gjson.GetBytes(c.values, strconv.FormatUint(uint64(id), 10)).Exists()
}

// Drain pops the coalesced patch list. The room calls this once per tick
// and fans the batch out; subscribers attached via ListenToUpdates get
// the same batch.
func (c *ClientStore) Drain() []protocol.Patch {
	if len(c.pending) == 0 {
		return nil
	}

	patches := c.pending
	c.pending = nil

	if c.isRunning() {
		c.mu.Lock()
		for _, updateChan := range c.updateChans {
			select {
			case updateChan <- patches:
			default:
				// A listener that stopped reading does not get to wedge the
				// room loop.
			}
		}
		c.mu.Unlock()
	}

	return patches
}

// ListenToUpdates subscribes to drained patch batches.
func (c *ClientStore) ListenToUpdates() <-chan []protocol.Patch {
	c.mu.Lock()
	defer c.mu.Unlock()

	updateChan := make(chan []protocol.Patch, updateBufferSize)
	c.updateChans = append(c.updateChans, updateChan)

	return updateChan
}

// Save exports the raw client map for persistence.
func (c *ClientStore) Save() []byte {
	if len(c.values) == 0 {
		return []byte("{}")
	}

	return c.values
}

// Restore bulk-replaces the client map. No patches are produced; callers
// follow up with a full state reset to anyone who needs it.
func (c *ClientStore) Restore(values []byte) error {
	if len(values) == 0 {
		values = []byte("{}")
	}

	if !gjson.ValidBytes(values) {
		return fmt.Errorf("Failed to restore client store: %w", protocol.ErrNotJSON)
	}

	c.values = values
	c.pending = nil

	return nil
}

// Reset drops every client document. Used by room reset.
func (c *ClientStore) Reset() {
	c.values = []byte("{}")
	c.pending = nil
}

// Document returns the full room document, the one patch paths are rooted
// at.
func (c *ClientStore) Document() []byte {
	doc, _ := sjson.SetRawBytes([]byte("{}"), "clients", c.Save())
	return doc
}

func (c *ClientStore) record(p protocol.Patch) {
	c.pending = append(c.pending, p)
}

// isRunning returns true if Close has not been called
func (c *ClientStore) isRunning() bool {
	select {
	case <-c.stop:
		return false

	default:
		return true
	}
}

func fieldPath(id uint16, field string) string {
	return strconv.FormatUint(uint64(id), 10) + "." + field
}

func fieldPointer(id uint16, field string) string {
	return "/clients/" + strconv.FormatUint(uint64(id), 10) + "/" +
		strings.ReplaceAll(field, ".", "/")
}
