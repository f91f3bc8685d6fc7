package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/store"
)

// DeriveOptimized stores the optimized rendition of the source and records it.
// attempt 0 binds to whatever attempt is current.
func (a *App) DeriveOptimized(ctx context.Context, id string, attempt int, optimized []byte) (domain.File, error) {
	if len(optimized) == 0 {
		return domain.File{}, domain.Validationf("optimized content is empty")
	}
	fb, err := a.processingFlipbook(ctx, id, attempt)
	if err != nil {
		return domain.File{}, err
	}
	files, err := a.store.ListFiles(ctx, id)
	if err != nil {
		return domain.File{}, err
	}
	if _, ok := optimizedFile(files); ok {
		return domain.File{}, domain.Conflictf("flipbook %s already has an optimized file", id)
	}

	fileID := util.NewID()
	key := path.Join(attemptPrefix(id, fb.Attempt), "optimized", fileID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(optimized), int64(len(optimized)), http.DetectContentType(optimized)); err != nil {
		return domain.File{}, domain.Derivation("store optimized file", err)
	}
	f, err := a.recordOptimized(ctx, id, fb.Attempt, fileID, key, int64(len(optimized)))
	if err != nil {
		a.deleteObjects(context.WithoutCancel(ctx), []string{key})
		return domain.File{}, err
	}
	return f, nil
}

// RecordOptimized registers an optimized file the collaborator already stored.
func (a *App) RecordOptimized(ctx context.Context, id string, attempt int, url string, size int64) (domain.File, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.File{}, domain.Validationf("url is required")
	}
	if size <= 0 {
		return domain.File{}, domain.Validationf("size must be greater than 0")
	}
	return a.recordOptimized(ctx, id, attempt, util.NewID(), url, size)
}

func (a *App) recordOptimized(ctx context.Context, id string, attempt int, fileID, url string, size int64) (domain.File, error) {
	var out domain.File
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		if err := checkAttempt(tx.Flipbook(), attempt); err != nil {
			return err
		}
		f := domain.File{
			ID:         fileID,
			FlipbookID: id,
			URL:        url,
			Type:       domain.FileOptimized,
			Size:       size,
			CreatedAt:  a.clock.Now(),
		}
		if err := tx.InsertFile(f); err != nil {
			if errors.Is(err, store.ErrDuplicateFile) {
				return domain.Conflictf("flipbook %s already has an optimized file", id)
			}
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		return domain.File{}, storeError(err, id)
	}
	util.LoggerFromContext(ctx).Info("optimized_recorded", "flipbook_id", id, "file_id", out.ID, "size", size)
	return out, nil
}

// DerivePage stores one rendered page image and records it at pageNumber.
// attempt 0 binds to whatever attempt is current.
func (a *App) DerivePage(ctx context.Context, id string, attempt, pageNumber int, image []byte) (domain.Page, error) {
	if pageNumber < 0 {
		return domain.Page{}, domain.Sequencef("page number %d is negative", pageNumber)
	}
	if len(image) == 0 {
		return domain.Page{}, domain.Validationf("page image is empty")
	}
	fb, err := a.processingFlipbook(ctx, id, attempt)
	if err != nil {
		return domain.Page{}, err
	}
	info, err := inspectPageImage(image)
	if err != nil {
		return domain.Page{}, domain.Derivation(fmt.Sprintf("inspect page %d", pageNumber), err)
	}

	pageID := util.NewID()
	key := path.Join(attemptPrefix(id, fb.Attempt), "pages", strconv.Itoa(pageNumber), pageID+"."+info.Format)
	if err := a.objects.Put(ctx, key, bytes.NewReader(image), int64(len(image)), "image/"+info.Format); err != nil {
		return domain.Page{}, domain.Derivation(fmt.Sprintf("store page %d", pageNumber), err)
	}
	p, err := a.recordPage(ctx, id, fb.Attempt, domain.Page{
		ID:          pageID,
		PageNumber:  pageNumber,
		ImageURL:    key,
		Width:       info.Width,
		Height:      info.Height,
		Placeholder: info.Placeholder,
	})
	if err != nil {
		a.deleteObjects(context.WithoutCancel(ctx), []string{key})
		return domain.Page{}, err
	}
	return p, nil
}

// RecordPage registers a page image the collaborator already stored.
func (a *App) RecordPage(ctx context.Context, id string, attempt, pageNumber int, url string, width, height int) (domain.Page, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.Page{}, domain.Validationf("url is required")
	}
	if width <= 0 || height <= 0 {
		return domain.Page{}, domain.Validationf("page dimensions must be positive, got %dx%d", width, height)
	}
	return a.recordPage(ctx, id, attempt, domain.Page{
		ID:         util.NewID(),
		PageNumber: pageNumber,
		ImageURL:   url,
		Width:      width,
		Height:     height,
	})
}

func (a *App) recordPage(ctx context.Context, id string, attempt int, p domain.Page) (domain.Page, error) {
	if p.PageNumber < 0 {
		return domain.Page{}, domain.Sequencef("page number %d is negative", p.PageNumber)
	}
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		if err := checkAttempt(tx.Flipbook(), attempt); err != nil {
			return err
		}
		if a.strictPageOrder {
			pages, err := tx.Pages()
			if err != nil {
				return err
			}
			if next := firstGap(pages); p.PageNumber != next {
				return domain.Sequencef("flipbook %s expects page %d next, got %d", id, next, p.PageNumber)
			}
		}
		p.FlipbookID = id
		p.CreatedAt = a.clock.Now()
		if err := tx.InsertPage(p); err != nil {
			if errors.Is(err, store.ErrDuplicatePage) {
				return domain.Sequencef("flipbook %s already has page %d", id, p.PageNumber)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Page{}, storeError(err, id)
	}
	util.LoggerFromContext(ctx).Debug("page_recorded", "flipbook_id", id, "page", p.PageNumber)
	return p, nil
}

// Rollback discards every optimized file and page of the flipbook, leaving only the
// original. A ready flipbook is never rolled back.
func (a *App) Rollback(ctx context.Context, id string) error {
	var removed store.DerivedAssets
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		if fb := tx.Flipbook(); fb.Status == domain.StatusReady {
			return domain.InvalidStatef("flipbook %s is ready and cannot be rolled back", id)
		}
		var err error
		removed, err = tx.DeleteDerivedAssets()
		return err
	})
	if err != nil {
		return storeError(err, id)
	}
	a.deleteObjects(ctx, removed.ObjectKeys())
	return nil
}

// IsComplete reports whether the optimized file exists and pages 0..expected-1 all exist,
// evaluated under the flipbook lock against the current rows.
func (a *App) IsComplete(ctx context.Context, id string, expectedPages int) (bool, error) {
	if expectedPages <= 0 {
		return false, domain.Validationf("expected page count must be positive")
	}
	var complete bool
	err := a.store.UpdateFlipbook(ctx, id, func(tx store.FlipbookTx) error {
		files, err := tx.Files()
		if err != nil {
			return err
		}
		if _, ok := optimizedFile(files); !ok {
			return nil
		}
		pages, err := tx.Pages()
		if err != nil {
			return err
		}
		complete = len(pages) == expectedPages && firstGap(pages) == expectedPages
		return nil
	})
	if err != nil {
		return false, storeError(err, id)
	}
	return complete, nil
}

// ListFiles returns the files of a flipbook.
func (a *App) ListFiles(ctx context.Context, id string) ([]domain.File, error) {
	if _, err := a.GetFlipbook(ctx, id); err != nil {
		return nil, err
	}
	return a.store.ListFiles(ctx, id)
}

// ListPages returns the pages of a flipbook ordered by page number.
func (a *App) ListPages(ctx context.Context, id string) ([]domain.Page, error) {
	if _, err := a.GetFlipbook(ctx, id); err != nil {
		return nil, err
	}
	return a.store.ListPages(ctx, id)
}

// PageImageURL returns a presigned URL for a page image.
func (a *App) PageImageURL(ctx context.Context, id string, pageNumber int) (string, error) {
	p, ok, err := a.store.GetPage(ctx, id, pageNumber)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.NotFoundf("page %d of flipbook %s not found", pageNumber, id)
	}
	return a.objects.PresignGet(ctx, p.ImageURL, a.presignExpiry)
}

// OriginalURL returns a presigned URL for the original document.
func (a *App) OriginalURL(ctx context.Context, id string) (string, error) {
	files, err := a.ListFiles(ctx, id)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if f.Type == domain.FileOriginal {
			return a.objects.PresignGet(ctx, f.URL, a.presignExpiry)
		}
	}
	return "", domain.NotFoundf("flipbook %s has no original file", id)
}

// processingFlipbook rejects derivations for flipbooks that are not at the given attempt
// before any bytes are written to storage. The commit re-checks under the lock.
func (a *App) processingFlipbook(ctx context.Context, id string, attempt int) (domain.Flipbook, error) {
	fb, err := a.GetFlipbook(ctx, id)
	if err != nil {
		return domain.Flipbook{}, err
	}
	if err := checkAttempt(fb, attempt); err != nil {
		return domain.Flipbook{}, err
	}
	return fb, nil
}

func optimizedFile(files []domain.File) (domain.File, bool) {
	for _, f := range files {
		if f.Type == domain.FileOptimized {
			return f, true
		}
	}
	return domain.File{}, false
}

// firstGap returns the smallest page number missing from pages, which must be sorted by
// page number. For a contiguous 0..N-1 set it returns N.
func firstGap(pages []domain.Page) int {
	next := 0
	for _, p := range pages {
		if p.PageNumber != next {
			return next
		}
		next++
	}
	return next
}

func attemptPrefix(flipbookID string, attempt int) string {
	return path.Join("flipbooks", flipbookID, "attempts", strconv.Itoa(attempt))
}
