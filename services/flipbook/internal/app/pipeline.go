package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/queue"
)

// Pipeline turns derivation requests into ledger writes and a terminal transition.
type Pipeline struct {
	app         *App
	renderer    Renderer
	concurrency int
}

// NewPipeline builds a pipeline rendering up to concurrency pages at once.
func NewPipeline(app *App, renderer Renderer, concurrency int) (*Pipeline, error) {
	if app == nil {
		return nil, fmt.Errorf("app required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer required")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pipeline{app: app, renderer: renderer, concurrency: concurrency}, nil
}

// Handle processes one derivation request. Derivation failures fail the attempt and are
// not returned, so the queue does not redeliver them; retry is an explicit operation.
// Infrastructure errors before derivation starts are returned, and so is cancellation:
// an interrupted attempt is rolled back and stays processing for the redelivered job.
func (p *Pipeline) Handle(ctx context.Context, job queue.DerivationJob) error {
	// App methods log flipbook_id and attempt themselves.
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID)
	ctx = util.ContextWithLogger(ctx, logger)

	fb, ok, err := p.app.store.GetFlipbook(ctx, job.FlipbookID)
	if err != nil {
		return err
	}
	if !ok || fb.Status != domain.StatusProcessing || fb.Attempt != job.Attempt {
		logger.Info("derivation_request_stale", "flipbook_id", job.FlipbookID, "attempt", job.Attempt,
			"exists", ok, "status", fb.Status, "current_attempt", fb.Attempt)
		return nil
	}

	if err := p.derive(ctx, fb); err != nil {
		if ctx.Err() != nil {
			return p.interrupt(ctx, fb, err)
		}
		p.fail(ctx, fb, err)
		return nil
	}
	logger.Info("derivation_complete", "flipbook_id", fb.ID, "attempt", fb.Attempt)
	return nil
}

// interrupt discards the partial ledger of a cancelled attempt without failing it.
func (p *Pipeline) interrupt(ctx context.Context, fb domain.Flipbook, cause error) error {
	logger := util.LoggerFromContext(ctx)
	logger.Warn("derivation_interrupted", "flipbook_id", fb.ID, "attempt", fb.Attempt, "err", cause)
	if err := p.app.Rollback(context.WithoutCancel(ctx), fb.ID); err != nil {
		logger.Error("derivation_interrupt_rollback_failed", "flipbook_id", fb.ID, "err", err)
	}
	return fmt.Errorf("derivation interrupted: %w", ctx.Err())
}

func (p *Pipeline) derive(ctx context.Context, fb domain.Flipbook) error {
	original, err := p.loadOriginal(ctx, fb.ID)
	if err != nil {
		return err
	}
	pageCount, err := countPDFPages(original)
	if err != nil {
		return domain.Derivation("count source pages", err)
	}
	sourceURL, err := p.app.OriginalURL(ctx, fb.ID)
	if err != nil {
		return domain.Derivation("presign original", err)
	}
	src := SourceDocument{FlipbookID: fb.ID, Attempt: fb.Attempt, SourceURL: sourceURL, PageCount: pageCount}

	optimized, err := p.renderer.Optimize(ctx, src)
	if err != nil {
		return domain.Derivation("optimize document", err)
	}
	if _, err := p.app.DeriveOptimized(ctx, fb.ID, fb.Attempt, optimized); err != nil {
		return err
	}

	limit := p.concurrency
	if p.app.StrictPageOrder() {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for n := 0; n < pageCount; n++ {
		g.Go(func() error {
			img, err := p.renderer.RenderPage(gctx, src, n)
			if err != nil {
				return domain.Derivation(fmt.Sprintf("render page %d", n), err)
			}
			_, err = p.app.DerivePage(gctx, fb.ID, fb.Attempt, n, img)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	complete, err := p.app.IsComplete(ctx, fb.ID, pageCount)
	if err != nil {
		return err
	}
	if !complete {
		return domain.Preconditionf("ledger incomplete after deriving %d pages", pageCount)
	}
	_, err = p.app.CompleteAttempt(ctx, fb.ID, fb.Attempt)
	return err
}

// fail marks the attempt failed unless it was already superseded.
func (p *Pipeline) fail(ctx context.Context, fb domain.Flipbook, cause error) {
	logger := util.LoggerFromContext(ctx).With("flipbook_id", fb.ID, "attempt", fb.Attempt)
	if errors.Is(cause, domain.ErrInvalidState) {
		logger.Info("derivation_superseded", "err", cause)
		return
	}
	logger.Warn("derivation_failed", "err", cause)
	if _, err := p.app.FailAttempt(context.WithoutCancel(ctx), fb.ID, fb.Attempt, cause.Error()); err != nil && !errors.Is(err, domain.ErrInvalidState) {
		logger.Error("derivation_fail_transition_failed", "err", err)
	}
}

func (p *Pipeline) loadOriginal(ctx context.Context, flipbookID string) ([]byte, error) {
	files, err := p.app.store.ListFiles(ctx, flipbookID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Type != domain.FileOriginal {
			continue
		}
		rc, err := p.app.objects.Get(ctx, f.URL)
		if err != nil {
			return nil, domain.Derivation("fetch original", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, domain.Derivation("read original", err)
		}
		return data, nil
	}
	return nil, domain.Preconditionf("flipbook %s has no original file", flipbookID)
}

// countPDFPages returns the page count of a PDF held in memory.
func countPDFPages(data []byte) (n int, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	n = reader.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return n, nil
}
