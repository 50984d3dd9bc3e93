// Package poller awaits the output of a submitted job by querying the
// backend's history until an artifact of the expected kind appears.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/pkg/model"
)

// HistoryFetcher abstracts the history query for testability.
type HistoryFetcher interface {
	History(ctx context.Context, promptID string) (*comfy.HistoryEntry, bool, error)
	ViewURL(filename, subfolder, fileType string) string
}

// Options bounds one Await call.
type Options struct {
	// MaxAttempts is the number of history queries before giving up. Zero
	// or negative selects DefaultOptions().MaxAttempts; it never means
	// "no attempts".
	MaxAttempts int
	// Interval is the sleep after each unsatisfied attempt. Negative is
	// treated as zero.
	Interval     time.Duration
	InitialDelay time.Duration

	// OnAttempt, when set, is called after every attempt with the 1-based
	// attempt number and the state the attempt left the poller in.
	OnAttempt func(attempt int, state model.PollState)
}

// DefaultOptions returns 60 attempts at 2s intervals.
func DefaultOptions() Options {
	return Options{MaxAttempts: 60, Interval: 2 * time.Second}
}

// Poller drives the POLLING → FOUND | TIMED_OUT | FAILED state machine.
type Poller struct {
	history HistoryFetcher
	logger  *slog.Logger
}

// New creates a Poller using h for history queries.
func New(h HistoryFetcher, logger *slog.Logger) *Poller {
	return &Poller{
		history: h,
		logger:  logger.With("component", "poller"),
	}
}

// Await polls promptID until an output of kind appears. It returns
// *model.PollTimeoutError after opts.MaxAttempts unsatisfied attempts and
// *model.OutputNotFoundError when the job finished without such an output.
// Failed history queries and absent entries count as attempts; only ctx
// cancellation ends polling early. A zero opts.MaxAttempts uses the default
// of 60 attempts.
func (p *Poller) Await(ctx context.Context, promptID string, kind model.ContentKind, opts Options) (*model.OutputDescriptor, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	}

	logger := p.logger.With("prompt_id", promptID, "kind", kind)
	logger.Info("awaiting output", "max_attempts", opts.MaxAttempts, "interval", opts.Interval)

	start := time.Now()
	if err := sleep(ctx, opts.InitialDelay); err != nil {
		return nil, fmt.Errorf("job %s: %w", promptID, err)
	}

	state := model.PollStatePolling
	attempt := 0
	var out *model.OutputDescriptor
	var failure error

	for !state.IsTerminal() {
		if attempt >= opts.MaxAttempts {
			state = model.PollStateTimedOut
			break
		}
		attempt++
		logger.Debug("poll attempt", "attempt", attempt, "max_attempts", opts.MaxAttempts)

		entry, found, err := p.history.History(ctx, promptID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("job %s: %w", promptID, ctxErr)
			}
			var se *comfy.StatusError
			if errors.As(err, &se) {
				logger.Warn("history query returned error status", "attempt", attempt, "status", se.StatusCode)
			} else {
				logger.Warn("history query failed", "attempt", attempt, "error", err)
			}
		case !found || len(entry.Outputs) == 0:
			logger.Debug("job not finished", "attempt", attempt)
		default:
			logger.Debug("history entry present", "attempt", attempt, "status", entry.Status, "completed", entry.Completed, "nodes", len(entry.Outputs))
			out, failure = p.resolve(promptID, kind, entry)
			if failure != nil {
				state = model.PollStateFailed
			} else {
				state = model.PollStateFound
			}
		}

		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, state)
		}
		if state.IsTerminal() {
			break
		}
		if err := sleep(ctx, opts.Interval); err != nil {
			return nil, fmt.Errorf("job %s: %w", promptID, err)
		}
	}

	elapsed := time.Since(start)
	switch state {
	case model.PollStateFound:
		logger.Info("output ready", "node", out.NodeID, "filename", out.Filename, "attempts", attempt, "elapsed", elapsed.Round(time.Millisecond))
		return out, nil
	case model.PollStateFailed:
		logger.Error("polling failed", "attempts", attempt, "error", failure)
		return nil, failure
	default:
		logger.Error("gave up waiting for output", "attempts", attempt, "elapsed", elapsed.Round(time.Millisecond))
		return nil, &model.PollTimeoutError{PromptID: promptID, Attempts: attempt, Elapsed: elapsed}
	}
}

// resolve picks the first node, in backend order, listing at least one file
// under kind.
func (p *Poller) resolve(promptID string, kind model.ContentKind, entry *comfy.HistoryEntry) (*model.OutputDescriptor, error) {
	nodes := make([]string, 0, len(entry.Outputs))
	for _, o := range entry.Outputs {
		nodes = append(nodes, o.NodeID)
		files, ok, err := o.Files(kind.String())
		if err != nil {
			p.logger.Warn("unreadable node output", "prompt_id", promptID, "node", o.NodeID, "error", err)
			continue
		}
		if !ok || len(files) == 0 || files[0].Filename == "" {
			continue
		}
		f := files[0]
		fileType := f.Type
		if fileType == "" {
			fileType = "output"
		}
		return &model.OutputDescriptor{
			Kind:      kind,
			NodeID:    o.NodeID,
			Filename:  f.Filename,
			Subfolder: f.Subfolder,
			Type:      fileType,
			URL:       p.history.ViewURL(f.Filename, f.Subfolder, fileType),
		}, nil
	}
	for _, o := range entry.Outputs {
		p.logger.Debug("node output without requested kind", "prompt_id", promptID, "node", o.NodeID, "kind", kind, "keys", o.Keys())
	}
	return nil, &model.OutputNotFoundError{PromptID: promptID, Kind: kind, Nodes: nodes}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
