package domain

import "time"

// Transcript is one saved session transcript. OwnerSubject is set once from a
// verified token and never changes afterwards.
type Transcript struct {
	ID           string    `json:"_id"`
	OwnerSubject string    `json:"user_id"`
	OwnerPhone   string    `json:"phone"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	Timestamp    string    `json:"timestamp"`
	Summary      string    `json:"summary"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

// TranscriptPatch lists the mutable fields to overwrite. Nil fields are left as is.
type TranscriptPatch struct {
	Name    *string
	Content *string
	Summary *string
}

// Empty reports whether the patch changes nothing.
func (p TranscriptPatch) Empty() bool {
	return p.Name == nil && p.Content == nil && p.Summary == nil
}

// Apply writes the set fields of p onto t.
func (p TranscriptPatch) Apply(t *Transcript) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Content != nil {
		t.Content = *p.Content
	}
	if p.Summary != nil {
		t.Summary = *p.Summary
	}
}

// TranscriptView is the list projection returned to clients.
type TranscriptView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

// View projects a transcript for list responses.
func (t Transcript) View() TranscriptView {
	return TranscriptView{
		ID:        t.ID,
		Name:      t.Name,
		Content:   t.Content,
		Summary:   t.Summary,
		Timestamp: t.Timestamp,
	}
}
