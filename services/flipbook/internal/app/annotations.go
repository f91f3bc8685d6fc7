package app

import (
	"context"
	"errors"
	"strings"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/store"
)

// CreateAnnotationInput describes a highlight or note anchored to a page.
type CreateAnnotationInput struct {
	FlipbookID     string                `json:"flipbookId" validate:"required"`
	PageNumber     int                   `json:"pageNumber" validate:"gte=0"`
	UserIdentifier string                `json:"userIdentifier" validate:"required,max=255"`
	Type           domain.AnnotationType `json:"type" validate:"required,oneof=highlight note"`
	Range          domain.TextRange      `json:"range"`
	Content        string                `json:"content" validate:"required_if=Type note"`
}

// CreateAnnotation stores a new annotation on an existing page.
func (a *App) CreateAnnotation(ctx context.Context, in CreateAnnotationInput) (domain.Annotation, error) {
	in.UserIdentifier = strings.TrimSpace(in.UserIdentifier)
	if t, ok := domain.ParseAnnotationType(string(in.Type)); ok {
		in.Type = t
	}
	if err := a.validate.Struct(in); err != nil {
		return domain.Annotation{}, err
	}
	if in.Type == domain.AnnotationNote && strings.TrimSpace(in.Content) == "" {
		return domain.Annotation{}, domain.Validationf("content is required for notes")
	}
	ann := domain.Annotation{
		ID:             util.NewID(),
		FlipbookID:     in.FlipbookID,
		PageNumber:     in.PageNumber,
		UserIdentifier: in.UserIdentifier,
		Type:           in.Type,
		Range:          in.Range,
		Content:        in.Content,
		CreatedAt:      a.clock.Now(),
	}
	if err := a.store.CreateAnnotation(ctx, ann); err != nil {
		if errors.Is(err, store.ErrPageNotFound) {
			return domain.Annotation{}, domain.NotFoundf("page %d of flipbook %s not found", in.PageNumber, in.FlipbookID)
		}
		return domain.Annotation{}, storeError(err, in.FlipbookID)
	}
	return ann, nil
}

// GetAnnotation returns an annotation or NotFound.
func (a *App) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	ann, ok, err := a.store.GetAnnotation(ctx, id)
	if err != nil {
		return domain.Annotation{}, err
	}
	if !ok {
		return domain.Annotation{}, domain.NotFoundf("annotation %s not found", id)
	}
	return ann, nil
}

// ListAnnotations returns the annotations of one page ordered by creation time.
// Each call reads afresh; an empty page yields an empty slice.
func (a *App) ListAnnotations(ctx context.Context, flipbookID string, pageNumber int) ([]domain.Annotation, error) {
	if _, err := a.GetFlipbook(ctx, flipbookID); err != nil {
		return nil, err
	}
	return a.store.ListAnnotations(ctx, flipbookID, pageNumber)
}

// DeleteAnnotation removes an annotation if the delete policy allows requestingUser to.
func (a *App) DeleteAnnotation(ctx context.Context, id, requestingUser string) error {
	ann, err := a.GetAnnotation(ctx, id)
	if err != nil {
		return err
	}
	if a.deletePolicy == DeleteOwnerOnly && strings.TrimSpace(requestingUser) != ann.UserIdentifier {
		return domain.Authorizationf("annotation %s belongs to another user", id)
	}
	return a.store.DeleteAnnotation(ctx, id)
}
