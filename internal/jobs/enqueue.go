package jobs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Enqueuer inserts jobs inside the caller's transaction so the job exists
// if and only if the state change that needs it commits.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error
}

// InsertTxFunc adapts a closure over river.Client.InsertTx. main binds it
// after the client is built, since the workers need the services first.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error

func (f InsertTxFunc) Enqueue(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	return f(ctx, tx, args, opts)
}
