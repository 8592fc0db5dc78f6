package models

import (
	"time"

	"github.com/google/uuid"
)

// History entry kinds.
const (
	HistoryKindOrder = "order"
	HistoryKindCall  = "call"
)

// HistoryEntry is one append-only ledger history row, written once per transition.
type HistoryEntry struct {
	ID         uuid.UUID  `json:"id"`
	OrderID    uuid.UUID  `json:"order_id"`
	CallID     *uuid.UUID `json:"call_id,omitempty"`
	Kind       string     `json:"kind"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
