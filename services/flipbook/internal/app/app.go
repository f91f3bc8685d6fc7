package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/queue"
	"crmflipbook/pkg/storage"
	"crmflipbook/pkg/store"
)

// DeletePolicy decides who may delete an annotation.
type DeletePolicy string

const (
	DeleteOwnerOnly DeletePolicy = "owner"
	DeleteAny       DeletePolicy = "any"
)

// ParseDeletePolicy converts a config value into a policy.
func ParseDeletePolicy(value string) (DeletePolicy, bool) {
	switch p := DeletePolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case DeleteOwnerOnly, DeleteAny:
		return p, true
	case "":
		return DeleteOwnerOnly, true
	}
	return "", false
}

// DerivationPublisher hands a processing attempt to the derivation workers.
type DerivationPublisher interface {
	Enqueue(ctx context.Context, flipbookID string, attempt int) (queue.DerivationJob, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Publisher DerivationPublisher
	Clock     util.Clock

	// StrictPageOrder rejects any page that is not the next contiguous index.
	StrictPageOrder bool
	DeletePolicy    DeletePolicy
	EventBatchSize  int
	PresignExpiry   time.Duration
}

// App coordinates flipbook lifecycle, asset ledger, annotations and analytics.
type App struct {
	store           store.Store
	objects         storage.ObjectStore
	publisher       DerivationPublisher
	clock           util.Clock
	validate        *validation
	strictPageOrder bool
	deletePolicy    DeletePolicy
	eventBatchSize  int
	presignExpiry   time.Duration
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.NewMonotonicClock(nil)
	}
	policy := cfg.DeletePolicy
	if policy == "" {
		policy = DeleteOwnerOnly
	}
	if _, ok := ParseDeletePolicy(string(policy)); !ok {
		return nil, fmt.Errorf("unknown annotation delete policy %q", policy)
	}
	batch := cfg.EventBatchSize
	if batch <= 0 {
		batch = 500
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &App{
		store:           cfg.Store,
		objects:         cfg.Objects,
		publisher:       cfg.Publisher,
		clock:           clock,
		validate:        newValidation(),
		strictPageOrder: cfg.StrictPageOrder,
		deletePolicy:    policy,
		eventBatchSize:  batch,
		presignExpiry:   expiry,
	}, nil
}

// StrictPageOrder reports whether pages must be derived in index order.
func (a *App) StrictPageOrder() bool {
	return a.strictPageOrder
}

// storeError maps persistence sentinels onto domain errors.
func storeError(err error, flipbookID string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrFlipbookNotFound):
		return domain.NotFoundf("flipbook %s not found", flipbookID)
	case errors.Is(err, store.ErrPageNotFound):
		return domain.NotFoundf("page not found in flipbook %s", flipbookID)
	case errors.Is(err, store.ErrDuplicateFile):
		return domain.Conflictf("flipbook %s already has a file of this type", flipbookID)
	case errors.Is(err, store.ErrDuplicatePage):
		return domain.Sequencef("flipbook %s already has this page", flipbookID)
	case errors.Is(err, store.ErrDerivedNotAllowed):
		return domain.InvalidStatef("flipbook %s does not accept derived assets in its current status", flipbookID)
	case errors.Is(err, store.ErrUnknownFileType):
		return domain.Validationf("%v", err)
	}
	return err
}

// deleteObjects removes stored objects after their rows are gone. Failures leave
// orphaned objects only, so they are logged rather than returned.
func (a *App) deleteObjects(ctx context.Context, keys []string) {
	logger := util.LoggerFromContext(ctx)
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			logger.Warn("object_cleanup_failed", "key", key, "err", err)
		}
	}
}
