package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/queue"
)

type fakeRenderer struct {
	page     []byte
	failPage int
	calls    atomic.Int32
}

func (r *fakeRenderer) Optimize(_ context.Context, src SourceDocument) ([]byte, error) {
	r.calls.Add(1)
	if src.SourceURL == "" {
		return nil, errors.New("missing source url")
	}
	return []byte("%PDF-1.4 optimized " + src.FlipbookID), nil
}

func (r *fakeRenderer) RenderPage(_ context.Context, _ SourceDocument, pageNumber int) ([]byte, error) {
	r.calls.Add(1)
	if r.failPage >= 0 && pageNumber == r.failPage {
		return nil, fmt.Errorf("rasterizer crashed")
	}
	return r.page, nil
}

// cancellingRenderer cancels the worker context while rendering cancelPage.
type cancellingRenderer struct {
	fakeRenderer
	cancelPage int
	cancel     context.CancelFunc
}

func (r *cancellingRenderer) RenderPage(ctx context.Context, src SourceDocument, pageNumber int) ([]byte, error) {
	if pageNumber == r.cancelPage {
		r.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.fakeRenderer.RenderPage(ctx, src, pageNumber)
}

// testPDF builds a minimal PDF with a valid cross-reference table.
func testPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, 0, pages)
	for i := 0; i < pages; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", i+3))
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 300] >>")
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func (e *testEnv) uploaded(t *testing.T, doc []byte) domain.Flipbook {
	t.Helper()
	ctx := context.Background()
	fb, err := e.app.UploadOriginal(ctx, "", "quarterly-deck.pdf", bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		t.Fatalf("upload original: %v", err)
	}
	fb, err = e.app.StartProcessing(ctx, fb.ID)
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}
	return fb
}

func newTestPipeline(t *testing.T, env *testEnv, r Renderer) *Pipeline {
	t.Helper()
	p, err := NewPipeline(env.app, r, 3)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestPipelineDerivesToReady(t *testing.T) {
	for _, strict := range []bool{false, true} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.StrictPageOrder = strict })
			ctx := context.Background()
			fb := env.uploaded(t, testPDF(4))
			r := &fakeRenderer{page: pngBytes(t, 20, 30), failPage: -1}
			p := newTestPipeline(t, env, r)

			if err := p.Handle(ctx, queue.DerivationJob{ID: "j1", FlipbookID: fb.ID, Attempt: fb.Attempt}); err != nil {
				t.Fatalf("handle: %v", err)
			}
			got, err := env.app.GetFlipbook(ctx, fb.ID)
			if err != nil {
				t.Fatalf("get flipbook: %v", err)
			}
			if got.Status != domain.StatusReady || got.OptimizedSize == nil {
				t.Fatalf("expected ready with optimized size, got %+v", got)
			}
			pages, _ := env.app.ListPages(ctx, fb.ID)
			if len(pages) != 4 {
				t.Fatalf("expected 4 pages, got %d", len(pages))
			}
			for i, pg := range pages {
				if pg.PageNumber != i || pg.Width != 20 || pg.Height != 30 {
					t.Fatalf("unexpected page %d: %+v", i, pg)
				}
			}
			if got.Title != "quarterly-deck" {
				t.Fatalf("expected title from filename, got %q", got.Title)
			}
		})
	}
}

func TestPipelineRendererFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.uploaded(t, testPDF(3))
	p := newTestPipeline(t, env, &fakeRenderer{page: pngBytes(t, 20, 30), failPage: 1})

	if err := p.Handle(ctx, queue.DerivationJob{FlipbookID: fb.ID, Attempt: fb.Attempt}); err != nil {
		t.Fatalf("handle should swallow derivation failures: %v", err)
	}
	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusError || !strings.Contains(got.ErrorMessage, "render page 1") {
		t.Fatalf("expected error status with cause, got %+v", got)
	}
	files, _ := env.app.ListFiles(ctx, fb.ID)
	if len(files) != 1 || files[0].Type != domain.FileOriginal {
		t.Fatalf("expected only the original file, got %+v", files)
	}
	pages, _ := env.app.ListPages(ctx, fb.ID)
	if len(pages) != 0 {
		t.Fatalf("expected no pages after rollback, got %d", len(pages))
	}
	keys := env.objects.Keys()
	if len(keys) != 1 || keys[0] != originalKey(fb.ID) {
		t.Fatalf("expected only the original object, got %v", keys)
	}
}

func TestPipelineShutdownLeavesAttemptForRedelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	fb := env.uploaded(t, testPDF(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &cancellingRenderer{
		fakeRenderer: fakeRenderer{page: pngBytes(t, 20, 30), failPage: -1},
		cancelPage:   1,
		cancel:       cancel,
	}
	job := queue.DerivationJob{FlipbookID: fb.ID, Attempt: fb.Attempt}

	err := newTestPipeline(t, env, r).Handle(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to be returned for redelivery, got %v", err)
	}
	got, _ := env.app.GetFlipbook(context.Background(), fb.ID)
	if got.Status != domain.StatusProcessing || got.Attempt != fb.Attempt || got.ErrorMessage != "" {
		t.Fatalf("interrupted attempt must stay processing, got %+v", got)
	}
	files, _ := env.app.ListFiles(context.Background(), fb.ID)
	pages, _ := env.app.ListPages(context.Background(), fb.ID)
	if len(files) != 1 || files[0].Type != domain.FileOriginal || len(pages) != 0 {
		t.Fatalf("partial ledger must be rolled back: files=%+v pages=%d", files, len(pages))
	}
	if keys := env.objects.Keys(); len(keys) != 1 || keys[0] != originalKey(fb.ID) {
		t.Fatalf("expected only the original object, got %v", keys)
	}

	redelivered := newTestPipeline(t, env, &fakeRenderer{page: pngBytes(t, 20, 30), failPage: -1})
	if err := redelivered.Handle(context.Background(), job); err != nil {
		t.Fatalf("redelivered handle: %v", err)
	}
	got, _ = env.app.GetFlipbook(context.Background(), fb.ID)
	if got.Status != domain.StatusReady {
		t.Fatalf("redelivered job should finish the attempt, got %s", got.Status)
	}
}

func TestPipelineLogsFlipbookOncePerRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	fb := env.uploaded(t, testPDF(2))
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := util.ContextWithLogger(context.Background(), logger)

	p := newTestPipeline(t, env, &fakeRenderer{page: pngBytes(t, 10, 10), failPage: -1})
	if err := p.Handle(ctx, queue.DerivationJob{ID: "job-1", FlipbookID: fb.ID, Attempt: fb.Attempt}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected pipeline log records, got %q", buf.String())
	}
	for _, line := range lines {
		if n := strings.Count(line, " flipbook_id="); n > 1 {
			t.Fatalf("flipbook_id repeated %d times: %s", n, line)
		}
		if n := strings.Count(line, " attempt="); n > 1 {
			t.Fatalf("attempt repeated %d times: %s", n, line)
		}
		if !strings.Contains(line, "job_id=job-1") {
			t.Fatalf("record lost the job id: %s", line)
		}
	}
}

func TestPipelineRejectsUnreadableOriginal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.uploaded(t, []byte("this is not a pdf document at all"))
	r := &fakeRenderer{page: pngBytes(t, 10, 10), failPage: -1}
	p := newTestPipeline(t, env, r)

	if err := p.Handle(ctx, queue.DerivationJob{FlipbookID: fb.ID, Attempt: fb.Attempt}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if r.calls.Load() != 0 {
		t.Fatalf("renderer should not be called, got %d calls", r.calls.Load())
	}
}

func TestPipelineSkipsStaleRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	fb := env.uploaded(t, testPDF(2))
	r := &fakeRenderer{page: pngBytes(t, 10, 10), failPage: -1}
	p := newTestPipeline(t, env, r)

	jobs := []queue.DerivationJob{
		{FlipbookID: fb.ID, Attempt: fb.Attempt + 1},
		{FlipbookID: "missing", Attempt: 1},
	}
	for _, job := range jobs {
		if err := p.Handle(ctx, job); err != nil {
			t.Fatalf("handle stale job: %v", err)
		}
	}
	if r.calls.Load() != 0 {
		t.Fatalf("stale requests should not render, got %d calls", r.calls.Load())
	}
	got, _ := env.app.GetFlipbook(ctx, fb.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
}

func TestNewPipelineRequiresDependencies(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := NewPipeline(nil, &fakeRenderer{}, 1); err == nil {
		t.Fatalf("expected error without app")
	}
	if _, err := NewPipeline(env.app, nil, 1); err == nil {
		t.Fatalf("expected error without renderer")
	}
}

func TestCountPDFPages(t *testing.T) {
	n, err := countPDFPages(testPDF(5))
	if err != nil {
		t.Fatalf("count pages: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 pages, got %d", n)
	}
	for _, data := range [][]byte{nil, []byte("garbage"), bytes.Repeat([]byte("x"), 512)} {
		if _, err := countPDFPages(data); err == nil {
			t.Fatalf("expected error for %q", data)
		}
	}
}
