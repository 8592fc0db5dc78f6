package models

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord is the stored response of the first completed request
// with a given (scope, key).
type IdempotencyRecord struct {
	Scope     string          `json:"scope"`
	Key       string          `json:"key"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
}
