// Package botmeta defines the persistent records of the orchestrator: hosted
// bot documents, owner documents, and the folder tree uploaded for each bot.
package botmeta

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the lifecycle states of a hosted bot.
type Status string

const (
	// StatusPending marks a bot that uploaded metadata but is not approved yet.
	StatusPending Status = "pending"
	// StatusApproved marks a bot cleared to run a live session.
	StatusApproved Status = "approved"
	// StatusBanned marks a bot shut down because its owner was banned.
	StatusBanned Status = "banned"
	// StatusDisconnected marks a bot removed from service by an operator.
	StatusDisconnected Status = "disconnected"
)

// ErrInvalidState reports a lifecycle transition that is not allowed
// from the record's current status.
var ErrInvalidState = errors.New("botmeta: invalid state transition")

// InvalidStateCode is the machine-readable code attached to ErrInvalidState failures.
const InvalidStateCode = "INVALID_STATE"

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusBanned, StatusDisconnected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is an allowed lifecycle edge.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusDisconnected
	case StatusApproved:
		return next == StatusBanned || next == StatusDisconnected
	}
	return false
}

// Transition validates and returns the next status or ErrInvalidState.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidState, s, next)
	}
	return next, nil
}

// ChannelRef identifies the Telegram channel a bot forwards files from.
// Username is what the uploader submitted; ID is resolved lazily on the
// first live session and persisted so forwards do not depend on resolution.
type ChannelRef struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Resolved reports whether the numeric channel ID is known.
func (c ChannelRef) Resolved() bool {
	return c.ID != 0
}

// BotRecord is the versioned document stored per hosted bot.
type BotRecord struct {
	ID      string `json:"botId"`
	Token   string `json:"token"`
	OwnerID string `json:"ownerId,omitempty"`
	// Username is the bot's Telegram username reported by the uploader.
	Username string     `json:"botUsername,omitempty"`
	Status   Status     `json:"status"`
	Channel  ChannelRef `json:"channel"`
	// Root holds the uploaded folder tree; nil when no metadata was uploaded yet.
	Root *FolderNode `json:"metadata,omitempty"`
	// NeedsReview flags records rebuilt after quarantine of a corrupt document.
	NeedsReview bool `json:"needsReview,omitempty"`
	// Version increments on every successful store write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate records without aliasing store state.
func (r *BotRecord) Clone() *BotRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Root = r.Root.Clone()
	return &out
}

// OwnerRecord is the document stored per bot owner.
type OwnerRecord struct {
	ID     string   `json:"ownerId"`
	Banned bool     `json:"banned"`
	BotIDs []string `json:"botIds"`
	// Version increments on every successful store write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the owner record.
func (o *OwnerRecord) Clone() *OwnerRecord {
	if o == nil {
		return nil
	}
	out := *o
	out.BotIDs = append([]string(nil), o.BotIDs...)
	return &out
}

// AddBot appends id to the owner's bot list if not already present.
func (o *OwnerRecord) AddBot(id string) {
	for _, existing := range o.BotIDs {
		if existing == id {
			return
		}
	}
	o.BotIDs = append(o.BotIDs, id)
}
