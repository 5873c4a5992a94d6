package store

import (
	"time"

	"mednote/pkg/domain"
)

// TranscriptModel is the GORM row for one transcript.
type TranscriptModel struct {
	ID           string    `gorm:"primaryKey;type:uuid"`
	OwnerSubject string    `gorm:"not null;index:idx_transcripts_owner_created,priority:1"`
	OwnerPhone   string
	Name         string    `gorm:"not null"`
	Content      string    `gorm:"type:text;not null"`
	Timestamp    string
	Summary      string    `gorm:"type:text;not null;default:''"`
	CreatedAt    time.Time `gorm:"not null;index:idx_transcripts_owner_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (TranscriptModel) TableName() string { return "transcripts" }

func transcriptToModel(t domain.Transcript) TranscriptModel {
	return TranscriptModel{
		ID:           t.ID,
		OwnerSubject: t.OwnerSubject,
		OwnerPhone:   t.OwnerPhone,
		Name:         t.Name,
		Content:      t.Content,
		Timestamp:    t.Timestamp,
		Summary:      t.Summary,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func transcriptFromModel(m TranscriptModel) domain.Transcript {
	return domain.Transcript{
		ID:           m.ID,
		OwnerSubject: m.OwnerSubject,
		OwnerPhone:   m.OwnerPhone,
		Name:         m.Name,
		Content:      m.Content,
		Timestamp:    m.Timestamp,
		Summary:      m.Summary,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

// patchColumns maps a patch to column updates for SQL backends.
func patchColumns(patch domain.TranscriptPatch, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if patch.Name != nil {
		cols["name"] = *patch.Name
	}
	if patch.Content != nil {
		cols["content"] = *patch.Content
	}
	if patch.Summary != nil {
		cols["summary"] = *patch.Summary
	}
	return cols
}
