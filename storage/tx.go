package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// dbtx is the subset of *sql.DB / *sql.Tx the relational store needs, so
// every read/write helper can run either against the autocommit connection
// or inside an active transaction frame without caring which.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txFrame is one level of a transaction/savepoint stack (spec.md §4.1
// "Transaction nesting... per-transaction mutation stacks tracked
// explicitly in a stack frame, never globally", §9 Design Notes). Mutations
// written inside a frame are buffered here and only handed to the
// notifier when the OUTERMOST frame commits.
type txFrame struct {
	sqlTx         *sql.Tx
	savepointName string // "" for the outermost (real BEGIN) frame
	parent        *txFrame
	mutations     []Mutation
}

var savepointSeq int64

func nextSavepointName() string {
	return fmt.Sprintf("sp_%d", atomic.AddInt64(&savepointSeq, 1))
}

type frameCtxKey struct{}

func withFrame(ctx context.Context, f *txFrame) context.Context {
	return context.WithValue(ctx, frameCtxKey{}, f)
}

func frameFromCtx(ctx context.Context) *txFrame {
	f, _ := ctx.Value(frameCtxKey{}).(*txFrame)
	return f
}

// Transaction implements Store.Transaction: BEGIN (or SAVEPOINT, if already
// nested inside another Transaction call on the same context), run fn, and
// COMMIT/RELEASE or ROLLBACK depending on whether fn returned an error. The
// outermost commit drains the buffered mutation stack to every registered
// Notifier exactly once per mutation; any rollback — nested or outermost —
// discards its frame's mutations so no fan-out occurs for aborted work.
func (s *RelationalStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	parent := frameFromCtx(ctx)

	var frame *txFrame
	if parent == nil {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin transaction: %w", err)
		}
		frame = &txFrame{sqlTx: sqlTx}
	} else {
		name := nextSavepointName()
		if _, err := parent.sqlTx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return fmt.Errorf("storage: create savepoint: %w", err)
		}
		frame = &txFrame{sqlTx: parent.sqlTx, savepointName: name, parent: parent}
	}

	fnErr := fn(withFrame(ctx, frame), s)

	if fnErr != nil {
		if frame.savepointName != "" {
			if _, err := frame.sqlTx.ExecContext(ctx, "ROLLBACK TO "+frame.savepointName); err != nil {
				return fmt.Errorf("storage: rollback to savepoint: %w (after: %w)", err, fnErr)
			}
			if _, err := frame.sqlTx.ExecContext(ctx, "RELEASE "+frame.savepointName); err != nil {
				return fmt.Errorf("storage: release savepoint after rollback: %w (after: %w)", err, fnErr)
			}
		} else if err := frame.sqlTx.Rollback(); err != nil {
			return fmt.Errorf("storage: rollback: %w (after: %w)", err, fnErr)
		}
		return fnErr
	}

	if frame.savepointName != "" {
		if _, err := frame.sqlTx.ExecContext(ctx, "RELEASE "+frame.savepointName); err != nil {
			return fmt.Errorf("storage: release savepoint: %w", err)
		}
		frame.parent.mutations = append(frame.parent.mutations, frame.mutations...)
		return nil
	}

	if err := frame.sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	s.publish(ctx, frame.mutations)
	return nil
}

func (s *RelationalStore) publish(ctx context.Context, mutations []Mutation) {
	for _, m := range mutations {
		for _, n := range s.notifiers {
			n.Notify(ctx, m)
		}
	}
}

// execer returns whatever the current context's active transaction frame
// wraps, or the autocommit *sql.DB when there is none.
func (s *RelationalStore) execer(ctx context.Context) dbtx {
	if f := frameFromCtx(ctx); f != nil {
		return f.sqlTx
	}
	return s.db
}

// recordMutation buffers a mutation against the active frame, or publishes
// it immediately when called outside any Transaction (an autocommit write).
func (s *RelationalStore) recordMutation(ctx context.Context, m Mutation) {
	if f := frameFromCtx(ctx); f != nil {
		f.mutations = append(f.mutations, m)
		return
	}
	s.publish(ctx, []Mutation{m})
}
