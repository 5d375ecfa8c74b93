package model

import (
	"fmt"
	"regexp"
	"time"
)

// Kind is the coarse category of a foundation record.
type Kind string

const (
	KindSite       Kind = "site"
	KindAsset      Kind = "asset"
	KindPerson     Kind = "person"
	KindActionItem Kind = "action_item"
)

// Blueprint is a named module schema. One row per module name.
type Blueprint struct {
	Name      string
	Version   int64
	Data      string // canonical JSON of the full schema document
	UpdatedAt time.Time
}

// Record is a cached remote entity keyed by a globally unique id.
type Record struct {
	ID           string
	Kind         Kind
	Data         string // canonical JSON
	SearchVector string
}

// OpKind enumerates client intents. The set is open: any upper-snake
// identifier is accepted.
type OpKind string

const (
	OpCreateRecord OpKind = "CREATE_RECORD"
	OpUpdateField  OpKind = "UPDATE_FIELD"
	OpLinkEntity   OpKind = "LINK_ENTITY"
)

var opKindPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Validate reports whether k is a well-formed operation kind.
func (k OpKind) Validate() error {
	if !opKindPattern.MatchString(string(k)) {
		return fmt.Errorf("invalid operation kind %q: must be UPPER_SNAKE", string(k))
	}
	return nil
}

// Status is the reconciliation state of an operation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Operation is an append-only record of client intent.
//
// Kind and Payload never change after insert. Status moves from
// StatusPending to a terminal status at most once.
type Operation struct {
	ID        string
	Kind      OpKind
	Payload   string // canonical JSON
	Status    Status
	CreatedAt time.Time
	Seq       int64
	UpdatedAt time.Time
	Attempts  int
	LastError string
}

// Sync state keys written alongside each applied bundle.
const (
	StateBundleHash      = "bundle_hash"
	StateServerTimestamp = "server_timestamp"
	StateLastSuccessAt   = "last_success_at"
)
