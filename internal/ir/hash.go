package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for
// changing the algorithm without colliding with stored hashes.
const (
	DomainState   = "scorelog/state/v1"
	DomainPayload = "scorelog/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash returns the content hash of a projection. Snapshots store it so
// a corrupted checkpoint is detected on load instead of silently replayed
// from.
func StateHash(state Object) (string, error) {
	canonical, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// PayloadHash identifies an event's type and payload, independent of its
// eventId, ts and seq. Used to notice a duplicate eventId arriving with
// different content.
func PayloadHash(eventType string, payload Object) (string, error) {
	canonical, err := MarshalCanonical(Object{
		"type":    String(eventType),
		"payload": payload,
	})
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// MustStateHash is like StateHash but panics on error.
// Use only in tests or when the state is known to be valid.
func MustStateHash(state Object) string {
	h, err := StateHash(state)
	if err != nil {
		panic(err)
	}
	return h
}
