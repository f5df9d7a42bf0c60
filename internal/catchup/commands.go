package catchup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"sequent/internal/domain"
	"sequent/internal/storage"
)

// Kind selects which administrative operation a Command runs.
type Kind string

const (
	KindCatchup        Kind = "CATCHUP"
	KindIndexerCatchup Kind = "INDEXER_CATCHUP"
	KindReplayEvent    Kind = "REPLAY_EVENT"
	KindFillGaps       Kind = "FILL_GAPS"
	KindVerify         Kind = "VERIFY_CATCHUP"
)

// Command is one administrative request, normally decoded off the
// admin socket.
type Command struct {
	Kind            Kind
	Source          string
	Component       string
	FromEventNumber int64
	FromEventID     *uuid.UUID
	EventID         *uuid.UUID
}

// Result reports what a Command did.
type Result struct {
	EventsReplayed int
	Report         *storage.ChainReport
}

// HandleCommand dispatches a Command to the matching Runner method.
func (r *Runner) HandleCommand(ctx context.Context, cmd Command) (Result, error) {
	pair := domain.SourceComponentPair{Source: cmd.Source, Component: cmd.Component}
	switch cmd.Kind {
	case KindCatchup:
		if cmd.FromEventID != nil {
			n, err := r.CatchupFromEvent(ctx, pair, *cmd.FromEventID)
			return Result{EventsReplayed: n}, err
		}
		n, err := r.Catchup(ctx, pair, cmd.FromEventNumber)
		return Result{EventsReplayed: n}, err
	case KindIndexerCatchup:
		n, err := r.IndexerCatchup(ctx, cmd.Source, cmd.FromEventNumber)
		return Result{EventsReplayed: n}, err
	case KindReplayEvent:
		if cmd.EventID == nil {
			return Result{}, fmt.Errorf("replay: event id is required")
		}
		err := r.ReplayEventToComponent(ctx, *cmd.EventID, pair)
		if err != nil {
			return Result{}, err
		}
		return Result{EventsReplayed: 1}, nil
	case KindFillGaps:
		n, err := r.FillGaps(ctx, pair)
		return Result{EventsReplayed: n}, err
	case KindVerify:
		report, err := r.Verify(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Report: &report}, nil
	default:
		return Result{}, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}
