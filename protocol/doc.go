package protocol

// This package implements parsing and serialising of the payloads that
// netvr uses to communicate with its clients. It is pure and stateless:
// no I/O happens here.
//
// Clients talk to the server over a single message-framed connection.
// Two framings coexist on that connection:
//
// - text frames carry control messages: UTF-8 JSON documents that always
//   have a string `action` field
// - binary frames carry high-frequency device data: pose frames going up,
//   multiplexed broadcast frames coming down, and haptic impulses going
//   either way
//
// === Control messages
//
// Control messages are decoded exactly once, at the connection boundary,
// into a closed set of typed variants. The server never dispatches on raw
// action strings past this package; an action outside the closed set
// decodes into a FeatureMessage so that feature handlers can claim it.
//
// Client -> server actions
//
//   `gimme id`          - request a fresh identity
//   `i already has id`  - reclaim a previous identity with its token
//   `set`               - set one field of one client's document
//   `multiset`          - set several fields atomically
//   `reset room`        - clear all room state and evict everyone
//   `request logs`      - ask another client to submit its logs
//   `quit`              - ask the server to drop a client
//   `keep alive`        - refresh the receive deadline, nothing else
//
// Server -> client actions
//
//   `id's here`          - a freshly issued identity and its secret token
//   `id ack`             - a reclaim succeeded
//   `full state reset`   - complete room document, sent right after binding
//   `patch`              - incremental room document changes
//   `device info`        - device configurations of peers not yet seen
//   `set calibration`    - calibrations of peers not yet seen
//   `error`              - a human readable failure report
//
// === Handshake
//
// The first message on every connection must be `gimme id` or
// `i already has id`, and must declare the protocol version this package
// is compiled with (see Version). Any other first message, or a version
// mismatch, is rejected before an identity is issued.
//
// === Binary frames
//
// A pose frame (client -> server) is
//
//   byte 1
//   uvarint deviceCount
//   per device: uvarint payloadLength, uvarint localDeviceId, payload
//
// where payload is the device's field values laid out in Locations order,
// little-endian, sized by each location's type. The relay never needs the
// typed view: it stores and re-broadcasts the frame body as an opaque
// blob. The typed codec exists for clients and for tests.
//
// A broadcast frame (server -> client) is
//
//   int32 clientCount (little-endian)
//   per client: uint16 clientId (little-endian), then that client's most
//   recently submitted pose frame body, verbatim
//
// A haptic impulse is a fixed 21 byte frame
//
//   byte 2
//   uint32 clientId, uint32 deviceId, uint32 channel
//   float32 amplitude, float32 durationSeconds
//
// all little-endian. The server relays it to the addressed client.
//
// === Patches
//
// Room document changes are described by add/replace/remove operations
// addressed by JSON-pointer style paths rooted at the full room document,
// e.g. `/clients/5/calibration`. Applying the ordered patch list to a
// prior full-state snapshot reproduces the exact current document, which
// is what late-joining dashboard clients rely on.
