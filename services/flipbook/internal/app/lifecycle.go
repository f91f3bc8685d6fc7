package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/store"
)

// BeginUploadInput describes an original document already placed in storage.
type BeginUploadInput struct {
	Title        string `json:"title" validate:"required,max=255"`
	OriginalSize int64  `json:"originalSize" validate:"gt=0"`
	// URL is the storage locator of the original; empty selects the default key.
	URL string `json:"url" validate:"omitempty,max=2048"`
}

// BeginUpload creates a flipbook in uploading state together with its original file.
func (a *App) BeginUpload(ctx context.Context, in BeginUploadInput) (domain.Flipbook, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.URL = strings.TrimSpace(in.URL)
	if err := a.validate.Struct(in); err != nil {
		return domain.Flipbook{}, err
	}
	return a.beginUpload(ctx, util.NewID(), in)
}

func (a *App) beginUpload(ctx context.Context, id string, in BeginUploadInput) (domain.Flipbook, error) {
	now := a.clock.Now()
	url := in.URL
	if url == "" {
		url = originalKey(id)
	}
	fb := domain.Flipbook{
		ID:           id,
		Title:        in.Title,
		OriginalSize: in.OriginalSize,
		Status:       domain.StatusUploading,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	original := domain.File{
		ID:         util.NewID(),
		FlipbookID: id,
		URL:        url,
		Type:       domain.FileOriginal,
		Size:       in.OriginalSize,
		CreatedAt:  now,
	}
	if err := a.store.CreateFlipbook(ctx, fb, original); err != nil {
		return domain.Flipbook{}, fmt.Errorf("create flipbook: %w", err)
	}
	util.LoggerFromContext(ctx).Info("flipbook_created", "flipbook_id", id, "original_size", in.OriginalSize)
	return fb, nil
}

// UploadOriginal stores the original bytes and then begins the upload.
func (a *App) UploadOriginal(ctx context.Context, title, filename string, r io.Reader, size int64) (domain.Flipbook, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = titleFromName(filename)
	}
	in := BeginUploadInput{Title: title, OriginalSize: size}
	if err := a.validate.Struct(in); err != nil {
		return domain.Flipbook{}, err
	}
	id := util.NewID()
	in.URL = originalKey(id)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, in.URL, r, size, contentType); err != nil {
		return domain.Flipbook{}, fmt.Errorf("save original: %w", err)
	}
	fb, err := a.beginUpload(ctx, id, in)
	if err != nil {
		a.deleteObjects(context.WithoutCancel(ctx), []string{in.URL})
		return domain.Flipbook{}, err
	}
	return fb, nil
}

// StartProcessing moves an uploading flipbook to processing and requests derivation.
func (a *App) StartProcessing(ctx context.Context, id string) (domain.Flipbook, error) {
	fb, err := a.enterProcessing(ctx, id, domain.StatusUploading)
	if err != nil {
		return domain.Flipbook{}, err
	}
	return a.requestDerivation(ctx, fb)
}

// Retry moves a failed flipbook back to processing under a new attempt.
func (a *App) Retry(ctx context.Context, id string) (domain.Flipbook, error) {
	fb, err := a.enterProcessing(ctx, id, domain.StatusError)
	if err != nil {
		return domain.Flipbook{}, err
	}
	return a.requestDerivation(ctx, fb)
}

func (a *App) enterProcessing(ctx context.Context, id string, from domain.FlipbookStatus) (domain.Flipbook, error) {
	var (
		out     domain.Flipbook
		removed store.DerivedAssets
	)
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		fb := tx.Flipbook()
		switch fb.Status {
		case from:
		case domain.StatusProcessing:
			return domain.Conflictf("flipbook %s already has an attempt in progress", id)
		default:
			return domain.InvalidStatef("flipbook %s cannot enter processing from %s", id, fb.Status)
		}
		if from == domain.StatusError {
			// A failed attempt is rolled back when it fails; this clears anything a late
			// writer slipped in before that commit.
			var err error
			if removed, err = tx.DeleteDerivedAssets(); err != nil {
				return err
			}
		}
		fb.Status = domain.StatusProcessing
		fb.Attempt++
		fb.ErrorMessage = ""
		fb.OptimizedSize = nil
		fb.UpdatedAt = a.clock.Now()
		if err := tx.SaveFlipbook(fb); err != nil {
			return err
		}
		out = fb
		return nil
	})
	if err != nil {
		return domain.Flipbook{}, storeError(err, id)
	}
	a.deleteObjects(ctx, removed.ObjectKeys())
	logTransition(ctx, out, from)
	return out, nil
}

// requestDerivation publishes the attempt. A publish failure fails the attempt so the
// flipbook never sits in processing with nobody working on it.
func (a *App) requestDerivation(ctx context.Context, fb domain.Flipbook) (domain.Flipbook, error) {
	if a.publisher == nil {
		return fb, nil
	}
	if _, err := a.publisher.Enqueue(ctx, fb.ID, fb.Attempt); err != nil {
		cause := fmt.Sprintf("enqueue derivation: %v", err)
		if _, failErr := a.FailAttempt(ctx, fb.ID, fb.Attempt, cause); failErr != nil {
			util.LoggerFromContext(ctx).Error("derivation_fail_after_enqueue_error", "flipbook_id", fb.ID, "err", failErr)
		}
		return domain.Flipbook{}, domain.Derivation("enqueue derivation request", err)
	}
	return fb, nil
}

// CompleteProcessing moves a processing flipbook to ready once its ledger is complete.
func (a *App) CompleteProcessing(ctx context.Context, id string) (domain.Flipbook, error) {
	return a.CompleteAttempt(ctx, id, 0)
}

// CompleteAttempt is CompleteProcessing bound to one attempt; attempt 0 accepts the current one.
func (a *App) CompleteAttempt(ctx context.Context, id string, attempt int) (domain.Flipbook, error) {
	var out domain.Flipbook
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		fb := tx.Flipbook()
		if err := checkAttempt(fb, attempt); err != nil {
			return err
		}
		files, err := tx.Files()
		if err != nil {
			return err
		}
		pages, err := tx.Pages()
		if err != nil {
			return err
		}
		optimized, ok := optimizedFile(files)
		if !ok {
			return domain.Preconditionf("flipbook %s has no optimized file", id)
		}
		if len(pages) == 0 {
			return domain.Preconditionf("flipbook %s has no pages", id)
		}
		if gap := firstGap(pages); gap < len(pages) {
			return domain.Preconditionf("flipbook %s is missing page %d", id, gap)
		}
		size := optimized.Size
		fb.OptimizedSize = &size
		fb.Status = domain.StatusReady
		fb.UpdatedAt = a.clock.Now()
		if err := tx.SaveFlipbook(fb); err != nil {
			return err
		}
		out = fb
		return nil
	})
	if err != nil {
		return domain.Flipbook{}, storeError(err, id)
	}
	logTransition(ctx, out, domain.StatusProcessing)
	return out, nil
}

// FailProcessing moves a processing flipbook to error and rolls back its derived assets
// in the same transaction.
func (a *App) FailProcessing(ctx context.Context, id, cause string) (domain.Flipbook, error) {
	return a.FailAttempt(ctx, id, 0, cause)
}

// FailAttempt is FailProcessing bound to one attempt; attempt 0 accepts the current one.
func (a *App) FailAttempt(ctx context.Context, id string, attempt int, cause string) (domain.Flipbook, error) {
	cause = strings.TrimSpace(cause)
	if cause == "" {
		cause = "derivation failed"
	}
	var (
		out     domain.Flipbook
		removed store.DerivedAssets
	)
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		fb := tx.Flipbook()
		if err := checkAttempt(fb, attempt); err != nil {
			return err
		}
		var err error
		if removed, err = tx.DeleteDerivedAssets(); err != nil {
			return fmt.Errorf("rollback derived assets: %w", err)
		}
		fb.Status = domain.StatusError
		fb.ErrorMessage = cause
		fb.OptimizedSize = nil
		fb.UpdatedAt = a.clock.Now()
		if err := tx.SaveFlipbook(fb); err != nil {
			return err
		}
		out = fb
		return nil
	})
	if err != nil {
		return domain.Flipbook{}, storeError(err, id)
	}
	a.deleteObjects(ctx, removed.ObjectKeys())
	logTransition(ctx, out, domain.StatusProcessing, "cause", cause, "removed_files", len(removed.Files), "removed_pages", len(removed.Pages),
		"removed_annotations", removed.Annotations)
	return out, nil
}

// GetFlipbook returns a flipbook or NotFound.
func (a *App) GetFlipbook(ctx context.Context, id string) (domain.Flipbook, error) {
	fb, ok, err := a.store.GetFlipbook(ctx, id)
	if err != nil {
		return domain.Flipbook{}, err
	}
	if !ok {
		return domain.Flipbook{}, domain.NotFoundf("flipbook %s not found", id)
	}
	return fb, nil
}

// ListFlipbooks returns all flipbooks, newest first.
func (a *App) ListFlipbooks(ctx context.Context) ([]domain.Flipbook, error) {
	return a.store.ListFlipbooks(ctx)
}

// DeleteFlipbook removes the flipbook with everything it owns.
func (a *App) DeleteFlipbook(ctx context.Context, id string) error {
	removed, err := a.store.DeleteFlipbook(ctx, id)
	if err != nil {
		return storeError(err, id)
	}
	a.deleteObjects(ctx, removed.ObjectKeys())
	util.LoggerFromContext(ctx).Info("flipbook_deleted", "flipbook_id", id,
		"files", len(removed.Files), "pages", len(removed.Pages))
	return nil
}

// checkAttempt admits ledger writes and terminal transitions only for the live attempt.
func checkAttempt(fb domain.Flipbook, attempt int) error {
	if fb.Status != domain.StatusProcessing {
		return domain.InvalidStatef("flipbook %s is %s, not processing", fb.ID, fb.Status)
	}
	if attempt > 0 && attempt != fb.Attempt {
		return domain.InvalidStatef("attempt %d of flipbook %s is stale, current attempt is %d", attempt, fb.ID, fb.Attempt)
	}
	return nil
}

func logTransition(ctx context.Context, fb domain.Flipbook, from domain.FlipbookStatus, extra ...any) {
	args := append([]any{"flipbook_id", fb.ID, "from", from, "to", fb.Status, "attempt", fb.Attempt}, extra...)
	util.LoggerFromContext(ctx).Info("flipbook_transition", args...)
}

func originalKey(flipbookID string) string {
	return path.Join("flipbooks", flipbookID, "original")
}

func titleFromName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" || title == "." {
		return "Untitled flipbook"
	}
	return title
}
