package testutil

import (
	"context"
	"sync"

	"github.com/inaiurai/settlement/internal/terminal"
)

// Terminal is a scriptable settlement rail. Queued errors are consumed one
// per call; statuses are keyed by call reference. Submit is idempotent per
// reference. Accepted release and cancel operations settle a known reference
// as RELEASED and REFUNDED.
type Terminal struct {
	mu sync.Mutex

	SubmitErrs  []error
	StatusErrs  []error
	ReleaseErrs []error
	CancelErrs  []error
	VerifyErr   error

	// OnSubmit runs at the start of every Submit, outside the fake's lock.
	OnSubmit func(op terminal.Operation)
	// LostResponses makes Submit create the escrow before returning a queued
	// error, as when the rail commits but the response never arrives.
	LostResponses bool

	Submitted     []terminal.Operation
	Released      []string
	Cancelled     []string
	Queries       int
	statuses      map[string]terminal.Status
	Verifications map[string]terminal.Verification
}

func NewTerminal() *Terminal {
	return &Terminal{
		statuses:      map[string]terminal.Status{},
		Verifications: map[string]terminal.Verification{},
	}
}

var _ terminal.Terminal = (*Terminal)(nil)

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// SetStatus sets what QueryStatus reports for ref.
func (t *Terminal) SetStatus(ref, status, txHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[ref] = terminal.Status{Status: status, TxHash: txHash, Network: "testnet"}
}

func (t *Terminal) Submit(_ context.Context, op terminal.Operation) (*terminal.SubmitReceipt, error) {
	if t.OnSubmit != nil {
		t.OnSubmit(op)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Submitted = append(t.Submitted, op)
	err := pop(&t.SubmitErrs)
	if err != nil && !t.LostResponses {
		return nil, err
	}
	if _, ok := t.statuses[op.Reference]; !ok {
		t.statuses[op.Reference] = terminal.Status{Status: "PROCESSING"}
	}
	if err != nil {
		return nil, err
	}
	return &terminal.SubmitReceipt{CallRef: op.Reference}, nil
}

func (t *Terminal) QueryStatus(_ context.Context, ref string) (*terminal.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Queries++
	if err := pop(&t.StatusErrs); err != nil {
		return nil, err
	}
	st, ok := t.statuses[ref]
	if !ok {
		return nil, terminal.ErrNotFound
	}
	return &st, nil
}

func (t *Terminal) VerifyTx(_ context.Context, hash string) (*terminal.Verification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.VerifyErr != nil {
		return nil, t.VerifyErr
	}
	if v, ok := t.Verifications[hash]; ok {
		return &v, nil
	}
	return &terminal.Verification{Verified: false, Message: "transaction not found"}, nil
}

func (t *Terminal) Release(_ context.Context, ref string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := pop(&t.ReleaseErrs); err != nil {
		return false, err
	}
	t.Released = append(t.Released, ref)
	return t.settle(ref, "RELEASED")
}

func (t *Terminal) Cancel(_ context.Context, ref string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := pop(&t.CancelErrs); err != nil {
		return false, err
	}
	t.Cancelled = append(t.Cancelled, ref)
	return t.settle(ref, "REFUNDED")
}

func (t *Terminal) settle(ref, status string) (bool, error) {
	st, ok := t.statuses[ref]
	if !ok {
		return false, terminal.ErrNotFound
	}
	st.Status = status
	t.statuses[ref] = st
	return true, nil
}

// References returns the distinct references passed to Submit, in order.
func (t *Terminal) References() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var refs []string
	seen := map[string]bool{}
	for _, op := range t.Submitted {
		if !seen[op.Reference] {
			seen[op.Reference] = true
			refs = append(refs, op.Reference)
		}
	}
	return refs
}
