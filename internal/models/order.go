package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the authoritative lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSellerConfirmed OrderStatus = "seller_confirmed"
	OrderStatusBuyerConfirmed  OrderStatus = "buyer_confirmed"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Role is the part a user plays on a specific order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// LineItem is immutable once the order is created. UnitPrice is in smallest units.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type Order struct {
	ID                uuid.UUID   `json:"id"`
	Status            OrderStatus `json:"status"`
	BuyerID           uuid.UUID   `json:"buyer_id"`
	SellerID          uuid.UUID   `json:"seller_id"`
	Items             []LineItem  `json:"items"`
	TotalAmount       int64       `json:"total_amount"`
	Currency          string      `json:"currency"`
	GreenFlag         bool        `json:"green_flag"`
	GreenConfirmed    bool        `json:"green_confirmed"`
	ShippingAddress   string      `json:"shipping_address"`
	CurrentCallID     *uuid.UUID  `json:"current_call_id,omitempty"`
	BuyerConfirmedAt  *time.Time  `json:"buyer_confirmed_at,omitempty"`
	SellerConfirmedAt *time.Time  `json:"seller_confirmed_at,omitempty"`
	CancelRequested   bool        `json:"cancel_requested"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RoleOf returns the role userID holds on the order, or false when the user is not a party.
func (o *Order) RoleOf(userID uuid.UUID) (Role, bool) {
	switch userID {
	case uuid.Nil:
		return "", false
	case o.BuyerID:
		return RoleBuyer, true
	case o.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterpart returns the other party of the order for the given role.
func (o *Order) Counterpart(r Role) uuid.UUID {
	if r == RoleBuyer {
		return o.SellerID
	}
	return o.BuyerID
}

// Clone returns a copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}
