// Package terminal is the adapter to the external settlement rail. Every
// response from the rail is untrusted: it may be stale, delayed or missing.
package terminal

import (
	"context"
	"errors"

	"github.com/inaiurai/settlement/internal/apperror"
)

// Unavailable and Timeout mean the outcome is unknown, not that the
// operation failed.
var (
	ErrUnavailable = apperror.ErrUnavailable
	ErrTimeout     = apperror.ErrTimeout
	ErrRejected    = errors.New("terminal: operation rejected")
	ErrNotFound    = errors.New("terminal: call reference not found")
)

// Operation creates an escrow on the rail under Reference.
type Operation struct {
	Reference string `json:"reference"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	BuyerID   string `json:"buyer_id"`
	SellerID  string `json:"seller_id"`
}

type SubmitReceipt struct {
	CallRef string `json:"call_ref"`
}

// Status is one observation of a call on the rail.
type Status struct {
	Status  string `json:"status"`
	TxHash  string `json:"tx_hash,omitempty"`
	Block   string `json:"block,omitempty"`
	Network string `json:"network,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Verification struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

// Terminal is the settlement rail contract. Submit only creates escrows and
// is keyed by Operation.Reference: resubmitting a reference the rail already
// holds returns the existing call. Follow-up directives address the created
// call by reference.
type Terminal interface {
	Submit(ctx context.Context, op Operation) (*SubmitReceipt, error)
	QueryStatus(ctx context.Context, callRef string) (*Status, error)
	VerifyTx(ctx context.Context, txHash string) (*Verification, error)
	Release(ctx context.Context, callRef string) (accepted bool, err error)
	Cancel(ctx context.Context, callRef string) (accepted bool, err error)
}

// IsUnknownOutcome reports whether err leaves the remote outcome undetermined.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
