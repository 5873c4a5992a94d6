package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"mednote/internal/usertoken"
	"mednote/internal/util"
	"mednote/pkg/ai"
	"mednote/pkg/domain"
	"mednote/pkg/ocr"
	"mednote/pkg/storage"
	"mednote/pkg/store"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultLLMTimeout   = 60 * time.Second
	defaultOCRTimeout   = 30 * time.Second
)

// TextExtractor turns an image into text.
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Config wires the adapters the service depends on. Store and Generator are
// required; OCR and Archive are optional.
type Config struct {
	Store        store.Store
	Generator    ai.TextGenerator
	OCR          TextExtractor
	Archive      storage.ObjectStore
	StoreTimeout time.Duration
	LLMTimeout   time.Duration
	OCRTimeout   time.Duration
}

// App owns the transcript lifecycle: ownership scoping, summarization and OCR.
type App struct {
	store        store.Store
	generator    ai.TextGenerator
	ocr          TextExtractor
	archive      storage.ObjectStore
	storeTimeout time.Duration
	llmTimeout   time.Duration
	ocrTimeout   time.Duration
	tracer       trace.Tracer
}

// NewTranscript is the client-supplied part of a transcript.
type NewTranscript struct {
	Name      string
	Content   string
	Timestamp string
}

// SummarizeRequest carries the editor's current text for a saved transcript.
type SummarizeRequest struct {
	ID      string
	Content string
}

// Image is one uploaded image.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("transcript store required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("text generator required")
	}
	return &App{
		store:        cfg.Store,
		generator:    cfg.Generator,
		ocr:          cfg.OCR,
		archive:      cfg.Archive,
		storeTimeout: durationOr(cfg.StoreTimeout, defaultStoreTimeout),
		llmTimeout:   durationOr(cfg.LLMTimeout, defaultLLMTimeout),
		ocrTimeout:   durationOr(cfg.OCRTimeout, defaultOCRTimeout),
		tracer:       otel.Tracer("mednote/services/transcript"),
	}, nil
}

// SaveTranscript stores a new transcript owned by the caller with an empty summary.
func (a *App) SaveTranscript(ctx context.Context, claims usertoken.Claims, in NewTranscript) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	id, err := a.store.CreateTranscript(ctx, domain.Transcript{
		OwnerSubject: claims.Subject,
		OwnerPhone:   claims.PhoneNumber,
		Name:         in.Name,
		Content:      in.Content,
		Timestamp:    in.Timestamp,
		Summary:      "",
	})
	if err != nil {
		return "", a.storeFailure(ctx, "save", err)
	}
	return id, nil
}

// ListTranscripts returns the caller's transcripts, newest first.
func (a *App) ListTranscripts(ctx context.Context, claims usertoken.Claims) ([]domain.TranscriptView, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	items, err := a.store.ListTranscriptsByOwner(ctx, claims.Subject)
	if err != nil {
		return nil, a.storeFailure(ctx, "list", err)
	}
	views := make([]domain.TranscriptView, 0, len(items))
	for _, t := range items {
		views = append(views, t.View())
	}
	return views, nil
}

// GetTranscript returns one of the caller's transcripts.
func (a *App) GetTranscript(ctx context.Context, claims usertoken.Claims, id string) (domain.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	t, ok, err := a.store.GetTranscript(ctx, id, claims.Subject)
	if err != nil {
		return domain.Transcript{}, a.storeFailure(ctx, "get", err)
	}
	if !ok {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	return t, nil
}

// UpdateContent replaces the content of one of the caller's transcripts.
// A nil content is rejected; an empty string is a valid new content.
func (a *App) UpdateContent(ctx context.Context, claims usertoken.Claims, id string, content *string) error {
	if content == nil {
		return ErrContentRequired
	}
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	matched, err := a.store.UpdateTranscriptFields(ctx, id, claims.Subject, domain.TranscriptPatch{Content: content})
	if err != nil {
		return a.storeFailure(ctx, "update", err)
	}
	if !matched {
		return ErrTranscriptNotFound
	}
	return nil
}

// DeleteTranscript removes one of the caller's transcripts.
func (a *App) DeleteTranscript(ctx context.Context, claims usertoken.Claims, id string) error {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	deleted, err := a.store.DeleteTranscript(ctx, id, claims.Subject)
	if err != nil {
		return a.storeFailure(ctx, "delete", err)
	}
	if !deleted {
		return ErrTranscriptNotFound
	}
	return nil
}

// Summarize generates a summary of req.Content for the caller's transcript
// req.ID and stores it, replacing any previous summary. Concurrent calls on one
// transcript are last-write-wins.
func (a *App) Summarize(ctx context.Context, claims usertoken.Claims, req SummarizeRequest) (string, error) {
	if req.ID == "" || req.Content == "" {
		return "", ErrSummarizeFieldsRequired
	}
	ctx, span := a.tracer.Start(ctx, "transcript.summarize", trace.WithAttributes(
		attribute.String("transcript.id", req.ID),
		attribute.Int("transcript.content_length", len(req.Content)),
	))
	defer span.End()

	existing, err := a.scopedGet(ctx, req.ID, claims.Subject)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	summary, err := a.generator.GenerateText(genCtx, summarySystemPrompt(sessionDate(existing.Timestamp)), summaryUserPrompt(req.Content))
	cancel()
	if err != nil {
		util.LoggerFromContext(ctx).Error("summary generation failed",
			"op", "summarize", "adapter", "llm", "transcript_id", req.ID, "err", err)
		recordSpanError(span, err)
		return "", fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	matched, err := a.store.UpdateTranscriptFields(writeCtx, req.ID, claims.Subject, domain.TranscriptPatch{Summary: &summary})
	if err != nil {
		recordSpanError(span, err)
		return "", a.storeFailure(ctx, "summarize", err)
	}
	if !matched {
		// Deleted between the lookup and the write.
		span.SetStatus(codes.Error, "transcript disappeared")
		return "", ErrTranscriptNotFound
	}
	return summary, nil
}

// ExtractText runs OCR on an uploaded image. It does not touch the transcript store.
func (a *App) ExtractText(ctx context.Context, claims usertoken.Claims, img Image) (string, error) {
	if len(img.Data) == 0 {
		return "", ErrNoImage
	}
	if a.ocr == nil {
		util.LoggerFromContext(ctx).Error("ocr requested but not configured", "op", "extract_text", "adapter", "ocr")
		return "", ErrOCRUnavailable
	}
	ctx, span := a.tracer.Start(ctx, "transcript.extract_text", trace.WithAttributes(
		attribute.Int("image.size", len(img.Data)),
		attribute.String("image.content_type", img.ContentType),
	))
	defer span.End()

	ocrCtx, cancel := context.WithTimeout(ctx, a.ocrTimeout)
	text, err := a.ocr.ExtractText(ocrCtx, img.Data)
	cancel()
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, ocr.ErrNoImage) {
			return "", ErrNoImage
		}
		cause := "transport"
		if errors.Is(err, ocr.ErrOCRFailed) {
			cause = "in_band"
		}
		util.LoggerFromContext(ctx).Error("ocr failed",
			"op", "extract_text", "adapter", "ocr", "cause", cause, "err", err)
		return "", fmt.Errorf("%w: %w", ErrOCRFailed, err)
	}
	a.archiveImage(ctx, claims.Subject, img)
	return text, nil
}

func (a *App) archiveImage(ctx context.Context, subject string, img Image) {
	if a.archive == nil {
		return
	}
	contentType := strings.TrimSpace(img.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := storage.OCRImageKey(subject, img.Filename)
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	if err := a.archive.Put(ctx, key, bytes.NewReader(img.Data), int64(len(img.Data)), contentType); err != nil {
		util.LoggerFromContext(ctx).Warn("ocr image archive failed",
			"op", "extract_text", "adapter", "object_store", "key", key, "err", err)
		return
	}
	util.LoggerFromContext(ctx).Debug("ocr image archived", "key", key)
}

func (a *App) scopedGet(ctx context.Context, id, subject string) (domain.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	t, ok, err := a.store.GetTranscript(ctx, id, subject)
	if err != nil {
		return domain.Transcript{}, a.storeFailure(ctx, "summarize", err)
	}
	if !ok {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	return t, nil
}

func (a *App) storeFailure(ctx context.Context, op string, err error) error {
	util.LoggerFromContext(ctx).Error("transcript store call failed",
		"op", op, "adapter", "store", "err", err)
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
