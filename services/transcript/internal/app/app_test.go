package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"mednote/internal/usertoken"
	"mednote/pkg/ai"
	"mednote/pkg/domain"
	"mednote/pkg/ocr"
	"mednote/pkg/store"
)

var (
	alice = usertoken.Claims{Subject: "uid-alice", PhoneNumber: "+15550100"}
	bob   = usertoken.Claims{Subject: "uid-bob"}
)

type stubGenerator struct {
	mu      sync.Mutex
	calls   int
	systems []string
	users   []string
	fn      func(ctx context.Context, system, user string) (string, error)
}

func (g *stubGenerator) GenerateText(ctx context.Context, system, user string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.systems = append(g.systems, system)
	g.users = append(g.users, user)
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return "generated summary", nil
	}
	return fn(ctx, system, user)
}

type stubOCR struct {
	text  string
	err   error
	calls int
}

func (o *stubOCR) ExtractText(_ context.Context, image []byte) (string, error) {
	o.calls++
	if len(image) == 0 {
		return "", ocr.ErrNoImage
	}
	return o.text, o.err
}

type stubArchive struct {
	keys []string
	err  error
}

func (a *stubArchive) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	data, _ := io.ReadAll(r)
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch")
	}
	a.keys = append(a.keys, key)
	return a.err
}

type failingStore struct {
	store.Store
}

func (failingStore) CreateTranscript(context.Context, domain.Transcript) (string, error) {
	return "", errors.New("connection refused")
}

func (failingStore) ListTranscriptsByOwner(context.Context, string) ([]domain.Transcript, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) GetTranscript(context.Context, string, string) (domain.Transcript, bool, error) {
	return domain.Transcript{}, false, errors.New("connection refused")
}

// blockingStore never answers until its context is done.
type blockingStore struct {
	store.Store
}

func (blockingStore) CreateTranscript(ctx context.Context, _ domain.Transcript) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingStore) ListTranscriptsByOwner(ctx context.Context, _ string) ([]domain.Transcript, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) GetTranscript(ctx context.Context, _, _ string) (domain.Transcript, bool, error) {
	<-ctx.Done()
	return domain.Transcript{}, false, ctx.Err()
}

func (blockingStore) UpdateTranscriptFields(ctx context.Context, _, _ string, _ domain.TranscriptPatch) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (blockingStore) DeleteTranscript(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

type blockingOCR struct{}

func (blockingOCR) ExtractText(ctx context.Context, _ []byte) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: %w", ocr.ErrTransport, ctx.Err())
}

func blockUntilDone(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: %w", ai.ErrGenerationFailed, ctx.Err())
}

func newTestApp(t *testing.T, gen ai.TextGenerator) (*App, *store.MemoryStore) {
	t.Helper()
	if gen == nil {
		gen = &stubGenerator{}
	}
	s := store.NewMemoryStore()
	a, err := New(Config{Store: s, Generator: gen})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s
}

func mustSave(t *testing.T, a *App, claims usertoken.Claims, in NewTranscript) string {
	t.Helper()
	id, err := a.SaveTranscript(context.Background(), claims, in)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return id
}

func TestNewRequiresStoreAndGenerator(t *testing.T) {
	if _, err := New(Config{Generator: &stubGenerator{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{Store: store.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without generator")
	}
}

func TestSaveAssignsOwnerAndEmptySummary(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()

	id1 := mustSave(t, a, alice, NewTranscript{Name: "Intake", Content: "hello", Timestamp: "2024-03-05T10:00:00Z"})
	id2 := mustSave(t, a, alice, NewTranscript{Name: "Intake", Content: "hello"})
	if id1 == id2 {
		t.Fatalf("expected distinct ids")
	}
	got, err := a.GetTranscript(ctx, alice, id1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerSubject != alice.Subject || got.OwnerPhone != alice.PhoneNumber || got.Summary != "" {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A", Content: "private"})

	if _, err := a.GetTranscript(ctx, bob, id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("foreign get: %v", err)
	}
	content := "overwritten"
	if err := a.UpdateContent(ctx, bob, id, &content); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("foreign update: %v", err)
	}
	if err := a.DeleteTranscript(ctx, bob, id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("foreign delete: %v", err)
	}
	if _, err := a.Summarize(ctx, bob, SummarizeRequest{ID: id, Content: "x"}); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("foreign summarize: %v", err)
	}
	views, err := a.ListTranscripts(ctx, bob)
	if err != nil || len(views) != 0 {
		t.Fatalf("bob list = %v, %v", views, err)
	}

	got, err := a.GetTranscript(ctx, alice, id)
	if err != nil || got.Content != "private" || got.Summary != "" {
		t.Fatalf("record changed by foreign calls: %+v, %v", got, err)
	}
}

func TestUpdateContent(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A", Content: "old"})

	if err := a.UpdateContent(ctx, alice, id, nil); !errors.Is(err, ErrContentRequired) {
		t.Fatalf("nil content: %v", err)
	}
	empty := ""
	if err := a.UpdateContent(ctx, alice, id, &empty); err != nil {
		t.Fatalf("empty content should be accepted: %v", err)
	}
	got, _ := a.GetTranscript(ctx, alice, id)
	if got.Content != "" || got.Name != "A" {
		t.Fatalf("unexpected transcript: %+v", got)
	}
	if err := a.UpdateContent(ctx, alice, "missing-id", &empty); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("missing id: %v", err)
	}
}

func TestDeleteTranscript(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A"})
	if err := a.DeleteTranscript(ctx, alice, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.DeleteTranscript(ctx, alice, id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSummarizeValidatesFields(t *testing.T) {
	gen := &stubGenerator{}
	a, _ := newTestApp(t, gen)
	for _, req := range []SummarizeRequest{{ID: "x"}, {Content: "x"}, {}} {
		if _, err := a.Summarize(context.Background(), alice, req); !errors.Is(err, ErrSummarizeFieldsRequired) {
			t.Fatalf("Summarize(%+v) err = %v", req, err)
		}
	}
	if gen.calls != 0 {
		t.Fatalf("generator should not be called, got %d calls", gen.calls)
	}
}

func TestSummarizeNotFoundSkipsGenerator(t *testing.T) {
	gen := &stubGenerator{}
	a, _ := newTestApp(t, gen)
	if _, err := a.Summarize(context.Background(), alice, SummarizeRequest{ID: "nope", Content: "x"}); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("generator should not be called")
	}
}

func TestSummarizeBuildsPromptsAndOverwrites(t *testing.T) {
	n := 0
	gen := &stubGenerator{fn: func(context.Context, string, string) (string, error) {
		n++
		return fmt.Sprintf("summary %d", n), nil
	}}
	a, _ := newTestApp(t, gen)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A", Content: "stored", Timestamp: "2024-03-05T10:00:00.000Z"})

	s1, err := a.Summarize(ctx, alice, SummarizeRequest{ID: id, Content: "editor text"})
	if err != nil || s1 != "summary 1" {
		t.Fatalf("first summarize = %q, %v", s1, err)
	}
	if !strings.Contains(gen.systems[0], "Date: March 05, 2024\n") {
		t.Fatalf("system prompt missing date:\n%s", gen.systems[0])
	}
	if gen.users[0] != "Here is the full transcript:\n\neditor text" {
		t.Fatalf("user prompt = %q", gen.users[0])
	}

	s2, err := a.Summarize(ctx, alice, SummarizeRequest{ID: id, Content: "editor text"})
	if err != nil || s2 != "summary 2" {
		t.Fatalf("second summarize = %q, %v", s2, err)
	}
	got, _ := a.GetTranscript(ctx, alice, id)
	if got.Summary != "summary 2" {
		t.Fatalf("summary = %q, want overwrite", got.Summary)
	}
	if got.Content != "stored" {
		t.Fatalf("summarize must not change content, got %q", got.Content)
	}
}

func TestSummarizeDateFallback(t *testing.T) {
	for _, ts := range []string{"", "not a date"} {
		gen := &stubGenerator{}
		a, _ := newTestApp(t, gen)
		id := mustSave(t, a, alice, NewTranscript{Name: "A", Timestamp: ts})
		if _, err := a.Summarize(context.Background(), alice, SummarizeRequest{ID: id, Content: "x"}); err != nil {
			t.Fatalf("summarize with timestamp %q: %v", ts, err)
		}
		if !strings.Contains(gen.systems[0], "Date: Not specified\n") {
			t.Fatalf("expected fallback date for %q:\n%s", ts, gen.systems[0])
		}
	}
}

func TestSummarizeGeneratorFailureKeepsSummary(t *testing.T) {
	gen := &stubGenerator{fn: func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("%w: status 503", ai.ErrGenerationFailed)
	}}
	a, s := newTestApp(t, gen)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A"})
	prior := "prior summary"
	if _, err := s.UpdateTranscriptFields(ctx, id, alice.Subject, domain.TranscriptPatch{Summary: &prior}); err != nil {
		t.Fatalf("seed summary: %v", err)
	}

	if _, err := a.Summarize(ctx, alice, SummarizeRequest{ID: id, Content: "x"}); !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}
	got, _ := a.GetTranscript(ctx, alice, id)
	if got.Summary != prior {
		t.Fatalf("summary = %q, want unchanged", got.Summary)
	}
}

func TestSummarizeRecordDeletedDuringGeneration(t *testing.T) {
	var a *App
	var id string
	gen := &stubGenerator{fn: func(ctx context.Context, _, _ string) (string, error) {
		if err := a.DeleteTranscript(ctx, alice, id); err != nil {
			return "", err
		}
		return "late summary", nil
	}}
	a, _ = newTestApp(t, gen)
	id = mustSave(t, a, alice, NewTranscript{Name: "A"})

	if _, err := a.Summarize(context.Background(), alice, SummarizeRequest{ID: id, Content: "x"}); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("expected not found after concurrent delete, got %v", err)
	}
}

func TestConcurrentSummarizeIsLastWriteWins(t *testing.T) {
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	gen := &stubGenerator{fn: func(_ context.Context, _, user string) (string, error) {
		label := strings.TrimPrefix(user, "Here is the full transcript:\n\n")
		<-release[label]
		return "summary from " + label, nil
	}}
	a, _ := newTestApp(t, gen)
	ctx := context.Background()
	id := mustSave(t, a, alice, NewTranscript{Name: "A"})

	done := map[string]chan error{"first": make(chan error, 1), "second": make(chan error, 1)}
	for label := range done {
		go func(label string) {
			_, err := a.Summarize(ctx, alice, SummarizeRequest{ID: id, Content: label})
			done[label] <- err
		}(label)
	}

	// "second" finishes generating first; "first" writes last and wins.
	close(release["second"])
	if err := <-done["second"]; err != nil {
		t.Fatalf("second summarize: %v", err)
	}
	close(release["first"])
	if err := <-done["first"]; err != nil {
		t.Fatalf("first summarize: %v", err)
	}

	got, _ := a.GetTranscript(ctx, alice, id)
	if got.Summary != "summary from first" {
		t.Fatalf("summary = %q, want the last write", got.Summary)
	}
}

func TestStoreFailuresWrapErrStore(t *testing.T) {
	a, err := New(Config{Store: failingStore{}, Generator: &stubGenerator{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	if _, err := a.SaveTranscript(ctx, alice, NewTranscript{}); !errors.Is(err, ErrStore) {
		t.Fatalf("save: %v", err)
	}
	if _, err := a.ListTranscripts(ctx, alice); !errors.Is(err, ErrStore) {
		t.Fatalf("list: %v", err)
	}
	if _, err := a.GetTranscript(ctx, alice, "id"); !errors.Is(err, ErrStore) {
		t.Fatalf("get: %v", err)
	}
	if _, err := a.Summarize(ctx, alice, SummarizeRequest{ID: "id", Content: "x"}); !errors.Is(err, ErrStore) {
		t.Fatalf("summarize: %v", err)
	}
}

func TestExtractText(t *testing.T) {
	ctx := context.Background()

	t.Run("empty image", func(t *testing.T) {
		o := &stubOCR{text: "x"}
		a, err := New(Config{Store: store.NewMemoryStore(), Generator: &stubGenerator{}, OCR: o})
		if err != nil {
			t.Fatalf("new app: %v", err)
		}
		if _, err := a.ExtractText(ctx, alice, Image{}); !errors.Is(err, ErrNoImage) {
			t.Fatalf("expected ErrNoImage, got %v", err)
		}
		if o.calls != 0 {
			t.Fatalf("ocr should not be called")
		}
	})

	t.Run("not configured", func(t *testing.T) {
		a, _ := newTestApp(t, nil)
		if _, err := a.ExtractText(ctx, alice, Image{Data: []byte("img")}); !errors.Is(err, ErrOCRUnavailable) {
			t.Fatalf("expected ErrOCRUnavailable, got %v", err)
		}
	})

	t.Run("ocr failures", func(t *testing.T) {
		for _, cause := range []error{
			fmt.Errorf("%w: Bad image data.", ocr.ErrOCRFailed),
			fmt.Errorf("%w: status 403", ocr.ErrTransport),
		} {
			a, _ := New(Config{Store: store.NewMemoryStore(), Generator: &stubGenerator{}, OCR: &stubOCR{err: cause}})
			if _, err := a.ExtractText(ctx, alice, Image{Data: []byte("img")}); !errors.Is(err, ErrOCRFailed) {
				t.Fatalf("expected ErrOCRFailed for %v, got %v", cause, err)
			}
		}
	})

	t.Run("success archives image", func(t *testing.T) {
		archive := &stubArchive{}
		a, _ := New(Config{Store: store.NewMemoryStore(), Generator: &stubGenerator{}, OCR: &stubOCR{text: "scanned"}, Archive: archive})
		text, err := a.ExtractText(ctx, alice, Image{Data: []byte("img"), Filename: "page.png", ContentType: "image/png"})
		if err != nil || text != "scanned" {
			t.Fatalf("extract = %q, %v", text, err)
		}
		if len(archive.keys) != 1 || !strings.HasPrefix(archive.keys[0], "ocr/uid-alice/") || !strings.HasSuffix(archive.keys[0], ".png") {
			t.Fatalf("unexpected archive keys: %v", archive.keys)
		}
	})

	t.Run("archive failure does not fail request", func(t *testing.T) {
		archive := &stubArchive{err: errors.New("bucket gone")}
		a, _ := New(Config{Store: store.NewMemoryStore(), Generator: &stubGenerator{}, OCR: &stubOCR{text: "scanned"}, Archive: archive})
		if text, err := a.ExtractText(ctx, alice, Image{Data: []byte("img")}); err != nil || text != "scanned" {
			t.Fatalf("extract = %q, %v", text, err)
		}
	})
}

func TestOutboundCallsAreBounded(t *testing.T) {
	const timeout = 50 * time.Millisecond
	ctx := context.Background()

	mem := store.NewMemoryStore()
	id, err := mem.CreateTranscript(ctx, domain.Transcript{OwnerSubject: alice.Subject, Name: "n"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	slowLLM, err := New(Config{Store: mem, Generator: &stubGenerator{fn: blockUntilDone}, LLMTimeout: timeout})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	slowOCR, err := New(Config{Store: mem, Generator: &stubGenerator{}, OCR: blockingOCR{}, OCRTimeout: timeout})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	slowStore, err := New(Config{Store: blockingStore{}, Generator: &stubGenerator{}, StoreTimeout: timeout})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{name: "summarize llm", want: ErrSummarizationFailed, call: func() error {
			_, err := slowLLM.Summarize(ctx, alice, SummarizeRequest{ID: id, Content: "x"})
			return err
		}},
		{name: "extract ocr", want: ErrOCRFailed, call: func() error {
			_, err := slowOCR.ExtractText(ctx, alice, Image{Data: []byte("img")})
			return err
		}},
		{name: "save", want: ErrStore, call: func() error {
			_, err := slowStore.SaveTranscript(ctx, alice, NewTranscript{Name: "n"})
			return err
		}},
		{name: "list", want: ErrStore, call: func() error {
			_, err := slowStore.ListTranscripts(ctx, alice)
			return err
		}},
		{name: "get", want: ErrStore, call: func() error {
			_, err := slowStore.GetTranscript(ctx, alice, "id")
			return err
		}},
		{name: "update", want: ErrStore, call: func() error {
			content := "c"
			return slowStore.UpdateContent(ctx, alice, "id", &content)
		}},
		{name: "delete", want: ErrStore, call: func() error {
			return slowStore.DeleteTranscript(ctx, alice, "id")
		}},
		{name: "summarize lookup", want: ErrStore, call: func() error {
			_, err := slowStore.Summarize(ctx, alice, SummarizeRequest{ID: "id", Content: "x"})
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			err := tc.call()
			elapsed := time.Since(start)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected a deadline in the chain, got %v", err)
			}
			if elapsed > 20*timeout {
				t.Fatalf("call took %v with a %v timeout", elapsed, timeout)
			}
		})
	}

	got, _, _ := mem.GetTranscript(ctx, id, alice.Subject)
	if got.Summary != "" {
		t.Fatalf("timed-out summarize must not write a summary, got %q", got.Summary)
	}
}
