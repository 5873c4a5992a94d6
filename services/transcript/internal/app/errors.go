package app

import "errors"

var (
	// ErrTranscriptNotFound covers both missing records and records owned by
	// someone else; callers cannot tell the two apart.
	ErrTranscriptNotFound      = errors.New("transcript not found or access denied")
	ErrContentRequired         = errors.New("no content provided")
	ErrSummarizeFieldsRequired = errors.New("missing content or transcript id")
	ErrSummarizationFailed     = errors.New("failed to generate summary")
	ErrNoImage                 = errors.New("no image file provided")
	ErrOCRFailed               = errors.New("failed to extract text from image")
	ErrOCRUnavailable          = errors.New("ocr is not configured")
	// ErrStore wraps any transcript store failure.
	ErrStore = errors.New("transcript store unavailable")
)
