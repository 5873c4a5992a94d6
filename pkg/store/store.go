package store

import (
	"context"
	"sort"

	"mednote/pkg/domain"
)

// Store persists transcripts. Every lookup by id is scoped to an owner subject;
// a record owned by someone else behaves exactly like a missing one. Ids that
// are not in the backend's id format are treated as missing, not as errors.
type Store interface {
	CreateTranscript(ctx context.Context, t domain.Transcript) (string, error)
	ListTranscriptsByOwner(ctx context.Context, subject string) ([]domain.Transcript, error)
	GetTranscript(ctx context.Context, id, subject string) (domain.Transcript, bool, error)
	UpdateTranscriptFields(ctx context.Context, id, subject string, patch domain.TranscriptPatch) (bool, error)
	DeleteTranscript(ctx context.Context, id, subject string) (bool, error)
	Close(ctx context.Context) error
}

// sortNewestFirst orders transcripts by created_at descending, ties by id.
func sortNewestFirst(items []domain.Transcript) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
