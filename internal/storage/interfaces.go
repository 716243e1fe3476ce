// Package storage defines the persistence interfaces of the daemon.
package storage

import (
	"context"
	"errors"

	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// IntentStore persists transaction intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error)
	UpdateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error)
	GetIntent(ctx context.Context, id string) (intent.Intent, error)
	// ListIntents returns matching intents, newest first.
	ListIntents(ctx context.Context, filter intent.Filter) ([]intent.Intent, error)
}
