// Package watch renders workshop events and state snapshots for the CLI and
// follows snapshots mirrored to the board.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/atelier/internal/board"
)

// PollForSummary polls the board until a summary for workshopID exists and
// satisfies cond (nil accepts any summary). Polls every 200ms until timeout.
func PollForSummary(ctx context.Context, client *board.Client, workshopID string, timeout time.Duration, cond func(*board.Summary) bool) (*board.Summary, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for workshop %s state after %v", workshopID, timeout)

		case <-ticker.C:
			summary, err := client.GetSummary(ctx, workshopID)
			if err != nil {
				if board.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to query workshop state: %w", err)
			}
			if cond == nil || cond(summary) {
				return summary, nil
			}
		}
	}
}

// Follow formats every snapshot delivered by sub until ctx is done or the
// subscription ends. Undecodable messages are reported and skipped.
func Follow(ctx context.Context, sub *board.Subscription, f Formatter) error {
	events := sub.Events()
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.FormatState(s); err != nil {
				return fmt.Errorf("failed to write state: %w", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if ferr := f.FormatError(err); ferr != nil {
				return fmt.Errorf("failed to write error: %w", ferr)
			}
		}
	}
}
