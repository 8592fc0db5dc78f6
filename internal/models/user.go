package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	PasswordHash   string    `json:"-"`
	MaxOrderAmount *int64    `json:"max_order_amount,omitempty"`
	MaxDailyAmount *int64    `json:"max_daily_amount,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session identifies the caller of a gateway operation. It is built per request
// from the bearer token and passed explicitly.
type Session struct {
	UserID uuid.UUID
}
