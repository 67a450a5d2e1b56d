// Package storage persists bills, line items and inventory across a primary
// document store and a local fallback store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection names.
const (
	CollectionBills            = "bills"
	CollectionLineItems        = "bill_items"
	CollectionInventory        = "inventory"
	CollectionInventoryApplied = "inventory_applied"
)

var (
	// ErrDuplicateKey is returned by a Store when Insert finds the key taken.
	ErrDuplicateKey = errors.New("storage: duplicate key")
	// ErrIdentifierCollision is returned by the gateway when a bill number is
	// already stored. Callers regenerate the number and retry.
	ErrIdentifierCollision = errors.New("storage: bill number already exists")
	// ErrCorruption matches every *CorruptionError.
	ErrCorruption = errors.New("storage: data corrupted")
	// ErrNotFound is returned when a single document lookup has no match.
	ErrNotFound = errors.New("storage: not found")
)

// CorruptionError reports persisted data that exists but cannot be decoded.
type CorruptionError struct {
	Store      string
	Collection string
	Lines      int
	Err        error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("storage: %s/%s corrupted: none of %d entries decode", e.Store, e.Collection, e.Lines)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is(err, ErrCorruption) match.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// Unwrap exposes the last decode error.
func (e *CorruptionError) Unwrap() error { return e.Err }

// Document is one stored entry of a collection.
type Document struct {
	Key  string          `json:"key"`
	At   time.Time       `json:"at"`
	Body json.RawMessage `json:"doc"`
}

// Store is a keyed document store. Insert must fail with ErrDuplicateKey when
// the key exists. Upsert replaces. LoadAll returns one document per key (the
// latest version) in insertion order and an empty slice for an unknown
// collection.
type Store interface {
	Name() string
	Insert(ctx context.Context, collection, key string, body []byte) error
	Upsert(ctx context.Context, collection, key string, body []byte) error
	LoadAll(ctx context.Context, collection string) ([]Document, error)
	Ping(ctx context.Context) error
}

// Outcome tells the caller where a write or read was served from.
type Outcome struct {
	Store        string `json:"store"`
	UsedFallback bool   `json:"used_fallback"`
	PrimaryError string `json:"primary_error,omitempty"`
}

// Notice returns a human-readable message when the fallback served the call.
func (o Outcome) Notice() string {
	if !o.UsedFallback {
		return ""
	}
	return "saved to fallback storage"
}
