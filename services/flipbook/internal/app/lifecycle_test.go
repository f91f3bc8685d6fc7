package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"crmflipbook/pkg/domain"
)

func TestBeginUploadValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		in   BeginUploadInput
	}{
		{"empty title", BeginUploadInput{Title: "  ", OriginalSize: 10}},
		{"zero size", BeginUploadInput{Title: "Report", OriginalSize: 0}},
		{"negative size", BeginUploadInput{Title: "Report", OriginalSize: -5}},
		{"title too long", BeginUploadInput{Title: strings.Repeat("x", 256), OriginalSize: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.BeginUpload(context.Background(), tc.in)
			wantCode(t, err, domain.ErrValidation)
		})
	}
}

func TestBeginUploadCreatesOriginalFile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	fb, err := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Report", OriginalSize: 500000})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	files, err := env.app.ListFiles(ctx, fb.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Type != domain.FileOriginal || files[0].Size != 500000 {
		t.Fatalf("unexpected files: %+v", files)
	}
	if files[0].URL != "flipbooks/"+fb.ID+"/original" {
		t.Fatalf("default key = %q", files[0].URL)
	}

	supplied, err := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Deck", OriginalSize: 10, URL: "s3://crm/deck.pdf"})
	if err != nil {
		t.Fatalf("begin upload with url: %v", err)
	}
	files, _ = env.app.ListFiles(ctx, supplied.ID)
	if files[0].URL != "s3://crm/deck.pdf" {
		t.Fatalf("supplied locator not kept: %q", files[0].URL)
	}
}

func TestUploadOriginalStoresBytes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	fb, err := env.app.UploadOriginal(ctx, "", "Quarterly Review.pdf", strings.NewReader("%PDF-1.4"), 8)
	if err != nil {
		t.Fatalf("upload original: %v", err)
	}
	if fb.Title != "Quarterly Review" || fb.OriginalSize != 8 {
		t.Fatalf("unexpected flipbook: %+v", fb)
	}
	keys := env.objects.Keys()
	if len(keys) != 1 || keys[0] != "flipbooks/"+fb.ID+"/original" {
		t.Fatalf("unexpected stored keys: %v", keys)
	}

	_, err = env.app.UploadOriginal(ctx, "x", "x.pdf", strings.NewReader(""), 0)
	wantCode(t, err, domain.ErrValidation)
}

func TestEndToEndReport(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	fb, err := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Report", OriginalSize: 500000})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if fb.Status != domain.StatusUploading || fb.OriginalSize != 500000 || fb.OptimizedSize != nil {
		t.Fatalf("unexpected uploaded flipbook: %+v", fb)
	}

	fb, err = env.app.StartProcessing(ctx, fb.ID)
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if fb.Status != domain.StatusProcessing || fb.Attempt != 1 {
		t.Fatalf("unexpected processing flipbook: %+v", fb)
	}
	if got := env.pub.published(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected one derivation request for attempt 1, got %v", got)
	}

	optimized, err := env.app.DeriveOptimized(ctx, fb.ID, 0, []byte("%PDF-1.4 smaller"))
	if err != nil {
		t.Fatalf("derive optimized: %v", err)
	}
	for n := 0; n < 3; n++ {
		if _, err := env.app.DerivePage(ctx, fb.ID, 0, n, pngBytes(t, 80, 100)); err != nil {
			t.Fatalf("derive page %d: %v", n, err)
		}
	}
	pages, err := env.app.ListPages(ctx, fb.ID)
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}

	fb, err = env.app.CompleteProcessing(ctx, fb.ID)
	if err != nil {
		t.Fatalf("complete processing: %v", err)
	}
	if fb.Status != domain.StatusReady || fb.OptimizedSize == nil || *fb.OptimizedSize != optimized.Size {
		t.Fatalf("unexpected ready flipbook: %+v", fb)
	}

	anns, err := env.app.ListAnnotations(ctx, fb.ID, 1)
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(anns) != 0 {
		t.Fatalf("expected no annotations yet, got %d", len(anns))
	}
	if _, err := env.app.CreateAnnotation(ctx, CreateAnnotationInput{
		FlipbookID: fb.ID, PageNumber: 1, UserIdentifier: "rep-7", Type: domain.AnnotationHighlight,
		Range: domain.TextRange{Start: 3, End: 9},
	}); err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	anns, _ = env.app.ListAnnotations(ctx, fb.ID, 1)
	if len(anns) != 1 {
		t.Fatalf("expected one annotation, got %d", len(anns))
	}
}

func TestStartProcessingTwiceYieldsOneConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb, err := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Report", OriginalSize: 1})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.app.StartProcessing(ctx, fb.ID)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", ok, conflicts)
	}
	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusProcessing || got.Attempt != 1 {
		t.Fatalf("unexpected flipbook after race: %+v", got)
	}
	if len(env.pub.published()) != 1 {
		t.Fatalf("expected exactly one derivation request, got %v", env.pub.published())
	}
}

func TestTransitionsFromWrongState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	uploading, _ := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Up", OriginalSize: 1})
	_, err := env.app.Retry(ctx, uploading.ID)
	wantCode(t, err, domain.ErrInvalidState)
	_, err = env.app.CompleteProcessing(ctx, uploading.ID)
	wantCode(t, err, domain.ErrInvalidState)
	_, err = env.app.FailProcessing(ctx, uploading.ID, "boom")
	wantCode(t, err, domain.ErrInvalidState)

	ready := env.ready(t, 1)
	_, err = env.app.StartProcessing(ctx, ready.ID)
	wantCode(t, err, domain.ErrInvalidState)
	_, err = env.app.Retry(ctx, ready.ID)
	wantCode(t, err, domain.ErrInvalidState)

	failed := env.processing(t, "Failing")
	if _, err := env.app.FailProcessing(ctx, failed.ID, "codec"); err != nil {
		t.Fatalf("fail processing: %v", err)
	}
	_, err = env.app.StartProcessing(ctx, failed.ID)
	wantCode(t, err, domain.ErrInvalidState)

	processing := env.processing(t, "Busy")
	_, err = env.app.Retry(ctx, processing.ID)
	wantCode(t, err, domain.ErrConflict)

	_, err = env.app.StartProcessing(ctx, "missing")
	wantCode(t, err, domain.ErrNotFound)
}

func TestCompleteProcessingRequiresCompleteLedger(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.processing(t, "Report")

	_, err := env.app.CompleteProcessing(ctx, fb.ID)
	wantCode(t, err, domain.ErrPrecondition)

	if _, err := env.app.DeriveOptimized(ctx, fb.ID, fb.Attempt, []byte("optimized")); err != nil {
		t.Fatalf("derive optimized: %v", err)
	}
	_, err = env.app.CompleteProcessing(ctx, fb.ID)
	wantCode(t, err, domain.ErrPrecondition)

	if _, err := env.app.DerivePage(ctx, fb.ID, fb.Attempt, 1, pngBytes(t, 10, 10)); err != nil {
		t.Fatalf("derive page: %v", err)
	}
	_, err = env.app.CompleteProcessing(ctx, fb.ID)
	wantCode(t, err, domain.ErrPrecondition)

	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusProcessing || got.OptimizedSize != nil {
		t.Fatalf("failed completion must not change the flipbook: %+v", got)
	}
}

func TestFailThenRetryLeavesNoResidue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.processing(t, "Report")

	if _, err := env.app.DeriveOptimized(ctx, fb.ID, 1, []byte("first optimized")); err != nil {
		t.Fatalf("derive optimized: %v", err)
	}
	for n := 0; n < 2; n++ {
		if _, err := env.app.DerivePage(ctx, fb.ID, 1, n, pngBytes(t, 20, 20)); err != nil {
			t.Fatalf("derive page: %v", err)
		}
	}

	failed, err := env.app.FailProcessing(ctx, fb.ID, "page 2 codec error")
	if err != nil {
		t.Fatalf("fail processing: %v", err)
	}
	if failed.Status != domain.StatusError || failed.ErrorMessage != "page 2 codec error" {
		t.Fatalf("unexpected failed flipbook: %+v", failed)
	}
	files, _ := env.app.ListFiles(ctx, fb.ID)
	pages, _ := env.app.ListPages(ctx, fb.ID)
	if len(files) != 1 || files[0].Type != domain.FileOriginal || len(pages) != 0 {
		t.Fatalf("error state must hold only the original: files=%+v pages=%d", files, len(pages))
	}
	if keys := env.objects.Keys(); len(keys) != 0 {
		t.Fatalf("derived objects must be deleted, found %v", keys)
	}

	retried, err := env.app.Retry(ctx, fb.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.StatusProcessing || retried.Attempt != 2 || retried.ErrorMessage != "" {
		t.Fatalf("unexpected retried flipbook: %+v", retried)
	}

	// A straggler from the failed attempt is discarded.
	_, err = env.app.DerivePage(ctx, fb.ID, 1, 2, pngBytes(t, 20, 20))
	wantCode(t, err, domain.ErrInvalidState)

	if _, err := env.app.DeriveOptimized(ctx, fb.ID, 2, []byte("second optimized")); err != nil {
		t.Fatalf("derive optimized: %v", err)
	}
	for n := 0; n < 3; n++ {
		if _, err := env.app.DerivePage(ctx, fb.ID, 2, n, pngBytes(t, 20, 20)); err != nil {
			t.Fatalf("derive page: %v", err)
		}
	}
	ready, err := env.app.CompleteAttempt(ctx, fb.ID, 2)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ready.Status != domain.StatusReady || *ready.OptimizedSize != int64(len("second optimized")) {
		t.Fatalf("unexpected ready flipbook: %+v", ready)
	}
	pages, _ = env.app.ListPages(ctx, fb.ID)
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for _, p := range pages {
		if !strings.Contains(p.ImageURL, "/attempts/2/") {
			t.Fatalf("page %d comes from another attempt: %s", p.PageNumber, p.ImageURL)
		}
	}
	if got := env.pub.published(); len(got) != 2 || got[1] != 2 {
		t.Fatalf("expected requests for attempts 1 and 2, got %v", got)
	}
}

func TestFailProcessingDropsAnnotationsOnRemovedPages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.processing(t, "Report")
	if _, err := env.app.DerivePage(ctx, fb.ID, fb.Attempt, 0, pngBytes(t, 20, 20)); err != nil {
		t.Fatalf("derive page: %v", err)
	}
	if _, err := env.app.CreateAnnotation(ctx, CreateAnnotationInput{
		FlipbookID:     fb.ID,
		PageNumber:     0,
		UserIdentifier: "rep@example.com",
		Type:           domain.AnnotationNote,
		Range:          domain.TextRange{Start: 0, End: 4},
		Content:        "early draft",
	}); err != nil {
		t.Fatalf("create annotation: %v", err)
	}

	if _, err := env.app.FailProcessing(ctx, fb.ID, "render crashed"); err != nil {
		t.Fatalf("fail processing: %v", err)
	}
	anns, err := env.app.ListAnnotations(ctx, fb.ID, 0)
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(anns) != 0 {
		t.Fatalf("annotations must not outlive their page, got %+v", anns)
	}

	// The next attempt starts with an empty annotation set for page 0.
	if _, err := env.app.Retry(ctx, fb.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := env.app.DerivePage(ctx, fb.ID, 0, 0, pngBytes(t, 20, 20)); err != nil {
		t.Fatalf("derive page: %v", err)
	}
	if anns, _ := env.app.ListAnnotations(ctx, fb.ID, 0); len(anns) != 0 {
		t.Fatalf("retried page inherited %d annotations", len(anns))
	}
}

func TestPublishFailureFailsAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.err = errors.New("redis down")
	ctx := context.Background()

	fb, _ := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Report", OriginalSize: 1})
	_, err := env.app.StartProcessing(ctx, fb.ID)
	wantCode(t, err, domain.ErrDerivation)

	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusError || !strings.Contains(got.ErrorMessage, "redis down") {
		t.Fatalf("expected error state after publish failure, got %+v", got)
	}

	env.pub.err = nil
	if _, err := env.app.Retry(ctx, fb.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestDeleteFlipbookRemovesEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.ready(t, 2)

	if _, err := env.app.CreateAnnotation(ctx, CreateAnnotationInput{
		FlipbookID: fb.ID, PageNumber: 0, UserIdentifier: "u", Type: domain.AnnotationNote,
		Range: domain.TextRange{Start: 0, End: 1}, Content: "follow up",
	}); err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	if _, err := env.app.RecordEvent(ctx, RecordEventInput{FlipbookID: fb.ID, SessionID: "s", EventType: "view_start"}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	if err := env.app.DeleteFlipbook(ctx, fb.ID); err != nil {
		t.Fatalf("delete flipbook: %v", err)
	}
	_, err := env.app.GetFlipbook(ctx, fb.ID)
	wantCode(t, err, domain.ErrNotFound)
	if keys := env.objects.Keys(); len(keys) != 0 {
		t.Fatalf("expected stored objects to be removed, found %v", keys)
	}
	err = env.app.DeleteFlipbook(ctx, fb.ID)
	wantCode(t, err, domain.ErrNotFound)
}

func TestListFlipbooksNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first, _ := env.app.BeginUpload(ctx, BeginUploadInput{Title: "First", OriginalSize: 1})
	second, _ := env.app.BeginUpload(ctx, BeginUploadInput{Title: "Second", OriginalSize: 1})

	list, err := env.app.ListFlipbooks(ctx)
	if err != nil {
		t.Fatalf("list flipbooks: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
}
