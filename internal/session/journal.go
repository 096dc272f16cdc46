// ABOUTME: Injectable journal recording session lifecycle and grant history.
// ABOUTME: The relay core works against this interface; persistence is a plug-in.

package session

import (
	"context"
	"time"
)

// Journal records session lifecycle events. Implementations must be safe
// for concurrent use. Journal failures are logged by callers and never
// affect routing.
type Journal interface {
	SessionCreated(ctx context.Context, id ID, at time.Time) error
	SessionTerminated(ctx context.Context, id ID, reason string, at time.Time) error
	CapabilityChange(ctx context.Context, id ID, action string, caps []string, at time.Time) error
	Close() error
}

// NopJournal discards all events. Used when no journal path is configured.
type NopJournal struct{}

func (NopJournal) SessionCreated(context.Context, ID, time.Time) error { return nil }

func (NopJournal) SessionTerminated(context.Context, ID, string, time.Time) error { return nil }

func (NopJournal) CapabilityChange(context.Context, ID, string, []string, time.Time) error {
	return nil
}

func (NopJournal) Close() error { return nil }
