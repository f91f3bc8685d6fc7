package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"crmflipbook/pkg/domain"
)

const migrateLockID int64 = 51726304

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// Open connects with the named driver and runs auto-migrations.
func Open(driver, dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog, TranslateError: true}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "":
		driver = DriverPostgres
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		driver = DriverSQLite
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// One connection serializes writers, which is how SQLite locks anyway.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&FlipbookModel{}, &FileModel{}, &PageModel{}, &AnnotationModel{}, &AnalyticsEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if driver == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, driver: driver}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Flipbooks.

func (s *GormStore) CreateFlipbook(ctx context.Context, fb domain.Flipbook, original domain.File) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := flipbookToModel(fb)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert flipbook: %w", err)
		}
		file := fileToModel(original)
		if err := tx.Create(&file).Error; err != nil {
			return fmt.Errorf("insert original file: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetFlipbook(ctx context.Context, id string) (domain.Flipbook, bool, error) {
	var m FlipbookModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Flipbook{}, false, nil
		}
		return domain.Flipbook{}, false, err
	}
	return flipbookFromModel(m), true, nil
}

func (s *GormStore) ListFlipbooks(ctx context.Context) ([]domain.Flipbook, error) {
	var models []FlipbookModel
	if err := s.db.WithContext(ctx).Order("created_at desc").Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Flipbook, 0, len(models))
	for _, m := range models {
		out = append(out, flipbookFromModel(m))
	}
	return out, nil
}

func (s *GormStore) DeleteFlipbook(ctx context.Context, id string) (DerivedAssets, error) {
	var removed DerivedAssets
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockFlipbook(tx, s.driver, id); err != nil {
			return err
		}
		files, err := listFiles(tx, id)
		if err != nil {
			return err
		}
		pages, err := listPages(tx, id)
		if err != nil {
			return err
		}
		// Children first so the cascade also holds where foreign keys are not enforced.
		for _, model := range []any{&AnalyticsEventModel{}, &AnnotationModel{}, &PageModel{}, &FileModel{}} {
			if err := tx.Where("flipbook_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&FlipbookModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		removed = DerivedAssets{Files: files, Pages: pages}
		return nil
	})
	if err != nil {
		return DerivedAssets{}, err
	}
	return removed, nil
}

func (s *GormStore) UpdateFlipbook(ctx context.Context, id string, fn func(FlipbookTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fb, err := lockFlipbook(tx, s.driver, id)
		if err != nil {
			return err
		}
		return fn(&gormFlipbookTx{tx: tx, fb: fb})
	})
}

// lockFlipbook reads the flipbook row with a row lock where the dialect supports it.
func lockFlipbook(tx *gorm.DB, driver, id string) (domain.Flipbook, error) {
	q := tx
	if driver == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m FlipbookModel
	if err := q.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Flipbook{}, ErrFlipbookNotFound
		}
		return domain.Flipbook{}, err
	}
	return flipbookFromModel(m), nil
}

type gormFlipbookTx struct {
	tx *gorm.DB
	fb domain.Flipbook
}

func (t *gormFlipbookTx) Flipbook() domain.Flipbook {
	return t.fb
}

func (t *gormFlipbookTx) SaveFlipbook(fb domain.Flipbook) error {
	if fb.ID != t.fb.ID {
		return fmt.Errorf("save flipbook %s inside transaction for %s", fb.ID, t.fb.ID)
	}
	res := t.tx.Model(&FlipbookModel{}).Where("id = ?", fb.ID).Updates(map[string]any{
		"title":          fb.Title,
		"original_size":  fb.OriginalSize,
		"optimized_size": fb.OptimizedSize,
		"status":         string(fb.Status),
		"error_message":  fb.ErrorMessage,
		"attempt":        fb.Attempt,
		"updated_at":     fb.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFlipbookNotFound
	}
	t.fb = fb
	return nil
}

func (t *gormFlipbookTx) Files() ([]domain.File, error) {
	return listFiles(t.tx, t.fb.ID)
}

func (t *gormFlipbookTx) Pages() ([]domain.Page, error) {
	return listPages(t.tx, t.fb.ID)
}

func (t *gormFlipbookTx) InsertFile(f domain.File) error {
	ft, ok := domain.ParseFileType(string(f.Type))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFileType, f.Type)
	}
	f.Type = ft
	if !t.fb.Status.AllowsDerivedAssets() {
		return ErrDerivedNotAllowed
	}
	var count int64
	if err := t.tx.Model(&FileModel{}).
		Where("flipbook_id = ? AND type = ?", t.fb.ID, string(f.Type)).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateFile
	}
	f.FlipbookID = t.fb.ID
	model := fileToModel(f)
	if err := t.tx.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateFile
		}
		return err
	}
	return nil
}

func (t *gormFlipbookTx) InsertPage(p domain.Page) error {
	if !t.fb.Status.AllowsDerivedAssets() {
		return ErrDerivedNotAllowed
	}
	var count int64
	if err := t.tx.Model(&PageModel{}).
		Where("flipbook_id = ? AND page_number = ?", t.fb.ID, p.PageNumber).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicatePage
	}
	p.FlipbookID = t.fb.ID
	model := pageToModel(p)
	if err := t.tx.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicatePage
		}
		return err
	}
	return nil
}

func (t *gormFlipbookTx) DeleteDerivedAssets() (DerivedAssets, error) {
	files, err := listFiles(t.tx, t.fb.ID)
	if err != nil {
		return DerivedAssets{}, err
	}
	pages, err := listPages(t.tx, t.fb.ID)
	if err != nil {
		return DerivedAssets{}, err
	}
	var removed DerivedAssets
	for _, f := range files {
		if f.Type != domain.FileOriginal {
			removed.Files = append(removed.Files, f)
		}
	}
	removed.Pages = pages
	if err := t.tx.Where("flipbook_id = ? AND type <> ?", t.fb.ID, string(domain.FileOriginal)).
		Delete(&FileModel{}).Error; err != nil {
		return DerivedAssets{}, err
	}
	// Annotations anchor to page rows; they go with the pages they reference.
	res := t.tx.Where("flipbook_id = ?", t.fb.ID).Delete(&AnnotationModel{})
	if res.Error != nil {
		return DerivedAssets{}, res.Error
	}
	removed.Annotations = int(res.RowsAffected)
	if err := t.tx.Where("flipbook_id = ?", t.fb.ID).Delete(&PageModel{}).Error; err != nil {
		return DerivedAssets{}, err
	}
	return removed, nil
}

// Assets.

func (s *GormStore) ListFiles(ctx context.Context, flipbookID string) ([]domain.File, error) {
	return listFiles(s.db.WithContext(ctx), flipbookID)
}

func (s *GormStore) ListPages(ctx context.Context, flipbookID string) ([]domain.Page, error) {
	return listPages(s.db.WithContext(ctx), flipbookID)
}

func (s *GormStore) GetPage(ctx context.Context, flipbookID string, pageNumber int) (domain.Page, bool, error) {
	var m PageModel
	err := s.db.WithContext(ctx).First(&m, "flipbook_id = ? AND page_number = ?", flipbookID, pageNumber).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Page{}, false, nil
		}
		return domain.Page{}, false, err
	}
	return pageFromModel(m), true, nil
}

func listFiles(db *gorm.DB, flipbookID string) ([]domain.File, error) {
	var models []FileModel
	if err := db.Where("flipbook_id = ?", flipbookID).Order("created_at asc").Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.File, 0, len(models))
	for _, m := range models {
		out = append(out, fileFromModel(m))
	}
	return out, nil
}

func listPages(db *gorm.DB, flipbookID string) ([]domain.Page, error) {
	var models []PageModel
	if err := db.Where("flipbook_id = ?", flipbookID).Order("page_number asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Page, 0, len(models))
	for _, m := range models {
		out = append(out, pageFromModel(m))
	}
	return out, nil
}

// Annotations.

// CreateAnnotation inserts the annotation if its page exists.
func (s *GormStore) CreateAnnotation(ctx context.Context, a domain.Annotation) error {
	model, err := annotationToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fbCount int64
		if err := tx.Model(&FlipbookModel{}).Where("id = ?", a.FlipbookID).Count(&fbCount).Error; err != nil {
			return err
		}
		if fbCount == 0 {
			return ErrFlipbookNotFound
		}
		var pageCount int64
		if err := tx.Model(&PageModel{}).
			Where("flipbook_id = ? AND page_number = ?", a.FlipbookID, a.PageNumber).
			Count(&pageCount).Error; err != nil {
			return err
		}
		if pageCount == 0 {
			return ErrPageNotFound
		}
		return tx.Create(&model).Error
	})
}

func (s *GormStore) GetAnnotation(ctx context.Context, id string) (domain.Annotation, bool, error) {
	var m AnnotationModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Annotation{}, false, nil
		}
		return domain.Annotation{}, false, err
	}
	a, err := annotationFromModel(m)
	if err != nil {
		return domain.Annotation{}, false, err
	}
	return a, true, nil
}

func (s *GormStore) ListAnnotations(ctx context.Context, flipbookID string, pageNumber int) ([]domain.Annotation, error) {
	var models []AnnotationModel
	if err := s.db.WithContext(ctx).
		Where("flipbook_id = ? AND page_number = ?", flipbookID, pageNumber).
		Order("created_at asc").Order("id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Annotation, 0, len(models))
	for _, m := range models {
		a, err := annotationFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) DeleteAnnotation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&AnnotationModel{}, "id = ?", id).Error
}

// Analytics.

func (s *GormStore) AppendEvent(ctx context.Context, e domain.AnalyticsEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&FlipbookModel{}).Where("id = ?", e.FlipbookID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrFlipbookNotFound
		}
		model := eventToModel(e)
		return tx.Create(&model).Error
	})
}

// ListEvents returns up to limit events after the cursor ordered by (timestamp, id).
func (s *GormStore) ListEvents(ctx context.Context, flipbookID, sessionID string, after EventCursor, limit int) ([]domain.AnalyticsEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := clause.Column{Name: "timestamp"}
	q := s.db.WithContext(ctx).Model(&AnalyticsEventModel{}).
		Where("flipbook_id = ? AND session_id = ?", flipbookID, sessionID)
	if !after.IsZero() {
		q = q.Where("(? > ? OR (? = ? AND id > ?))", ts, after.Timestamp.UTC(), ts, after.Timestamp.UTC(), after.ID)
	}
	var models []AnalyticsEventModel
	if err := q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: ts},
		{Column: clause.Column{Name: "id"}},
	}}).Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AnalyticsEvent, 0, len(models))
	for _, m := range models {
		out = append(out, eventFromModel(m))
	}
	return out, nil
}

// Converters.

func flipbookToModel(fb domain.Flipbook) FlipbookModel {
	return FlipbookModel{
		ID:            fb.ID,
		Title:         fb.Title,
		OriginalSize:  fb.OriginalSize,
		OptimizedSize: fb.OptimizedSize,
		Status:        string(fb.Status),
		ErrorMessage:  fb.ErrorMessage,
		Attempt:       fb.Attempt,
		CreatedAt:     fb.CreatedAt,
		UpdatedAt:     fb.UpdatedAt,
	}
}

func flipbookFromModel(m FlipbookModel) domain.Flipbook {
	return domain.Flipbook{
		ID:            m.ID,
		Title:         m.Title,
		OriginalSize:  m.OriginalSize,
		OptimizedSize: m.OptimizedSize,
		Status:        domain.FlipbookStatus(m.Status),
		ErrorMessage:  m.ErrorMessage,
		Attempt:       m.Attempt,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func fileToModel(f domain.File) FileModel {
	return FileModel{
		ID:         f.ID,
		FlipbookID: f.FlipbookID,
		URL:        f.URL,
		Type:       string(f.Type),
		Size:       f.Size,
		CreatedAt:  f.CreatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:         m.ID,
		FlipbookID: m.FlipbookID,
		URL:        m.URL,
		Type:       domain.FileType(m.Type),
		Size:       m.Size,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func pageToModel(p domain.Page) PageModel {
	return PageModel{
		ID:          p.ID,
		FlipbookID:  p.FlipbookID,
		PageNumber:  p.PageNumber,
		ImageURL:    p.ImageURL,
		Width:       p.Width,
		Height:      p.Height,
		Placeholder: p.Placeholder,
		CreatedAt:   p.CreatedAt,
	}
}

func pageFromModel(m PageModel) domain.Page {
	return domain.Page{
		ID:          m.ID,
		FlipbookID:  m.FlipbookID,
		PageNumber:  m.PageNumber,
		ImageURL:    m.ImageURL,
		Width:       m.Width,
		Height:      m.Height,
		Placeholder: m.Placeholder,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func annotationToModel(a domain.Annotation) (AnnotationModel, error) {
	raw, err := json.Marshal(a.Range)
	if err != nil {
		return AnnotationModel{}, fmt.Errorf("encode annotation range: %w", err)
	}
	return AnnotationModel{
		ID:             a.ID,
		FlipbookID:     a.FlipbookID,
		PageNumber:     a.PageNumber,
		UserIdentifier: a.UserIdentifier,
		Type:           string(a.Type),
		Range:          datatypes.JSON(raw),
		Content:        a.Content,
		CreatedAt:      a.CreatedAt,
	}, nil
}

func annotationFromModel(m AnnotationModel) (domain.Annotation, error) {
	var r domain.TextRange
	if len(m.Range) > 0 {
		if err := json.Unmarshal(m.Range, &r); err != nil {
			return domain.Annotation{}, fmt.Errorf("decode annotation range: %w", err)
		}
	}
	return domain.Annotation{
		ID:             m.ID,
		FlipbookID:     m.FlipbookID,
		PageNumber:     m.PageNumber,
		UserIdentifier: m.UserIdentifier,
		Type:           domain.AnnotationType(m.Type),
		Range:          r,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

func eventToModel(e domain.AnalyticsEvent) AnalyticsEventModel {
	return AnalyticsEventModel{
		ID:         e.ID,
		FlipbookID: e.FlipbookID,
		SessionID:  e.SessionID,
		EventType:  e.EventType,
		PageNumber: e.PageNumber,
		Timestamp:  e.Timestamp,
	}
}

func eventFromModel(m AnalyticsEventModel) domain.AnalyticsEvent {
	return domain.AnalyticsEvent{
		ID:         m.ID,
		FlipbookID: m.FlipbookID,
		SessionID:  m.SessionID,
		EventType:  m.EventType,
		PageNumber: m.PageNumber,
		Timestamp:  m.Timestamp.UTC(),
	}
}
