// Package store persists intents, their states, attempts and receipts.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/happychain/boop-submitter/boop"
)

var (
	ErrIntentNotFound  = errors.New("intent not found")
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Repository is the source of truth the submitter replays on startup.
type Repository interface {
	// SaveBatch stores every intent of a collection pass in one transaction.
	SaveBatch(ctx context.Context, batchID uuid.UUID, intents []*boop.Intent) error
	// SaveIntent inserts the intent or updates its gas and data fields.
	SaveIntent(ctx context.Context, intent *boop.Intent) error
	SaveState(ctx context.Context, hash common.Hash, state boop.State) error
	SaveAttempt(ctx context.Context, attempt *boop.Attempt) error
	// SaveReceipt replaces any receipt stored for the same boop.
	SaveReceipt(ctx context.Context, receipt *boop.Receipt) error

	GetIntent(ctx context.Context, hash common.Hash) (*StoredIntent, error)
	GetReceipt(ctx context.Context, hash common.Hash) (*boop.Receipt, error)
	// LoadUnfinished returns intents that are neither finalized nor failed, with their attempts.
	LoadUnfinished(ctx context.Context) ([]*StoredIntent, error)
	PendingByAccount(ctx context.Context, account common.Address) ([]*StoredIntent, error)
}

type StoredIntent struct {
	Intent   *boop.Intent
	State    boop.State
	Attempts []*boop.Attempt
}

// LatestAttempt returns the most recent attempt that was not replaced, if any.
func (s *StoredIntent) LatestAttempt() *boop.Attempt {
	var latest *boop.Attempt
	for _, a := range s.Attempts {
		if a.ReplacedBy != nil {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	return latest
}
