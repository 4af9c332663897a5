package storage

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenLength is the length of a reconnect token in hex characters.
const TokenLength = 64

// IdentityRecord is the durable part of one issued identity, as it
// appears in snapshots.
type IdentityRecord struct {
	ID    uint16 `json:"id"`
	Token string `json:"token"`
}

// ClaimResult says what happened to a reclaim attempt.
type ClaimResult int

const (
	// ClaimRejected means the id is unknown or the token does not match.
	// This is not an error: the caller falls back to issuing a fresh
	// identity.
	ClaimRejected ClaimResult = iota

	// ClaimOK means the token matched an unbound record; it is now bound.
	ClaimOK

	// ClaimBound means the token matched but another live connection holds
	// the record. The caller may evict that connection, Release the id and
	// claim again.
	ClaimBound
)

type identityRecord struct {
	token string
	bound bool
}

// IdentityStore issues and validates the durable numeric identities of a
// room. Ids are strictly increasing and never reused within one room
// instance. The store is owned by the room's event loop and must only be
// touched from there.
type IdentityStore struct {
	nextID  uint16
	records map[uint16]*identityRecord
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		nextID:  1,
		records: make(map[uint16]*identityRecord),
	}
}

// Issue allocates the next unused id with a fresh secret token and binds
// it to the caller.
func (s *IdentityStore) Issue() (uint16, string, error) {
	raw := make([]byte, TokenLength/2)
	if _, err := rand.Read(raw); err != nil {
		return 0, "", err
	}

	token := hex.EncodeToString(raw)

	id := s.nextID
	s.nextID++

	s.records[id] = &identityRecord{token: token, bound: true}

	return id, token, nil
}

// Claim attempts to rebind an existing identity. Token comparison is
// exact; a mismatch or unknown id yields ClaimRejected.
func (s *IdentityStore) Claim(id uint16, token string) ClaimResult {
	rec, ok := s.records[id]
	if !ok || rec.token != token {
		return ClaimRejected
	}

	if rec.bound {
		return ClaimBound
	}

	rec.bound = true
	return ClaimOK
}

// Release marks an identity unbound when its connection closes. The
// record and its token stay valid for a future reclaim.
func (s *IdentityStore) Release(id uint16) {
	if rec, ok := s.records[id]; ok {
		rec.bound = false
	}
}

// Bound reports whether a live connection currently holds the identity.
func (s *IdentityStore) Bound(id uint16) bool {
	rec, ok := s.records[id]
	return ok && rec.bound
}

// Snapshot exports every issued identity for persistence, in id order.
func (s *IdentityStore) Snapshot() []IdentityRecord {
	out := make([]IdentityRecord, 0, len(s.records))

	for id := uint16(1); id < s.nextID; id++ {
		if rec, ok := s.records[id]; ok {
			out = append(out, IdentityRecord{ID: id, Token: rec.token})
		}
	}

	return out
}

// Restore replaces the store contents with a snapshot. All records come
// back unbound; the connections they belonged to are gone.
func (s *IdentityStore) Restore(records []IdentityRecord) {
	s.records = make(map[uint16]*identityRecord, len(records))
	s.nextID = 1

	for _, rec := range records {
		s.records[rec.ID] = &identityRecord{token: rec.Token}

		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}
}

// Reset drops every identity and restarts ids from 1. Used by room reset.
func (s *IdentityStore) Reset() {
	s.records = make(map[uint16]*identityRecord)
	s.nextID = 1
}
