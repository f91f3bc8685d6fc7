package store

import (
	"context"
	"errors"
	"time"

	"crmflipbook/pkg/domain"
)

var (
	// ErrFlipbookNotFound indicates the referenced flipbook row does not exist.
	ErrFlipbookNotFound = errors.New("flipbook not found")
	// ErrPageNotFound indicates the referenced page row does not exist.
	ErrPageNotFound = errors.New("page not found")
	// ErrDuplicateFile indicates a file of the same type already exists for the flipbook.
	ErrDuplicateFile = errors.New("file of this type already exists")
	// ErrDuplicatePage indicates the page number is already taken for the flipbook.
	ErrDuplicatePage = errors.New("page number already exists")
	// ErrDerivedNotAllowed indicates the flipbook status does not admit derived assets.
	ErrDerivedNotAllowed = errors.New("flipbook status does not allow derived assets")
	ErrUnknownFileType   = errors.New("unknown file type")
)

// Store defines persistence for flipbooks and everything they own.
type Store interface {
	// flipbooks
	CreateFlipbook(ctx context.Context, fb domain.Flipbook, original domain.File) error
	GetFlipbook(ctx context.Context, id string) (domain.Flipbook, bool, error)
	ListFlipbooks(ctx context.Context) ([]domain.Flipbook, error)
	// DeleteFlipbook removes the flipbook and all owned rows, returning the removed files
	// and pages so their stored objects can be cleaned up.
	DeleteFlipbook(ctx context.Context, id string) (DerivedAssets, error)
	// UpdateFlipbook runs fn while holding the flipbook's write lock. Everything fn does
	// through the FlipbookTx commits atomically when fn returns nil.
	UpdateFlipbook(ctx context.Context, id string, fn func(FlipbookTx) error) error

	// assets
	ListFiles(ctx context.Context, flipbookID string) ([]domain.File, error)
	ListPages(ctx context.Context, flipbookID string) ([]domain.Page, error)
	GetPage(ctx context.Context, flipbookID string, pageNumber int) (domain.Page, bool, error)

	// annotations
	CreateAnnotation(ctx context.Context, a domain.Annotation) error
	GetAnnotation(ctx context.Context, id string) (domain.Annotation, bool, error)
	ListAnnotations(ctx context.Context, flipbookID string, pageNumber int) ([]domain.Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) error

	// analytics
	AppendEvent(ctx context.Context, e domain.AnalyticsEvent) error
	ListEvents(ctx context.Context, flipbookID, sessionID string, after EventCursor, limit int) ([]domain.AnalyticsEvent, error)
}

// FlipbookTx is the view of one locked flipbook inside UpdateFlipbook.
type FlipbookTx interface {
	Flipbook() domain.Flipbook
	SaveFlipbook(fb domain.Flipbook) error
	Files() ([]domain.File, error)
	// Pages returns the current page rows ordered by page number.
	Pages() ([]domain.Page, error)
	InsertFile(f domain.File) error
	InsertPage(p domain.Page) error
	// DeleteDerivedAssets removes optimized files, all pages and the annotations on them,
	// keeping the original.
	DeleteDerivedAssets() (DerivedAssets, error)
}

// DerivedAssets lists rows removed by a rollback or cascade.
type DerivedAssets struct {
	Files []domain.File
	Pages []domain.Page
	// Annotations counts the annotations removed with the pages.
	Annotations int
}

// ObjectKeys returns the storage locators referenced by the removed rows.
func (d DerivedAssets) ObjectKeys() []string {
	keys := make([]string, 0, len(d.Files)+len(d.Pages))
	for _, f := range d.Files {
		keys = append(keys, f.URL)
	}
	for _, p := range d.Pages {
		keys = append(keys, p.ImageURL)
	}
	return keys
}

// EventCursor marks the last event already consumed; the zero value starts from the beginning.
type EventCursor struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether the cursor is at the start of the stream.
func (c EventCursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}
