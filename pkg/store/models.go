package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names follow the flipbook schema; the
// has-many associations exist so AutoMigrate emits ON DELETE CASCADE foreign keys.
type FlipbookModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	Title         string `gorm:"size:255;not null"`
	OriginalSize  int64  `gorm:"not null"`
	OptimizedSize *int64
	Status        string    `gorm:"size:16;not null;index"`
	ErrorMessage  string    `gorm:"type:text"`
	Attempt       int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`

	Files       []FileModel           `gorm:"foreignKey:FlipbookID;constraint:OnDelete:CASCADE"`
	Pages       []PageModel           `gorm:"foreignKey:FlipbookID;constraint:OnDelete:CASCADE"`
	Annotations []AnnotationModel     `gorm:"foreignKey:FlipbookID;constraint:OnDelete:CASCADE"`
	Events      []AnalyticsEventModel `gorm:"foreignKey:FlipbookID;constraint:OnDelete:CASCADE"`
}

func (FlipbookModel) TableName() string { return "flipbooks" }

type FileModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	FlipbookID string    `gorm:"size:36;not null;uniqueIndex:idx_files_flipbook_type,priority:1"`
	URL        string    `gorm:"type:text;not null"`
	Type       string    `gorm:"size:16;not null;uniqueIndex:idx_files_flipbook_type,priority:2"`
	Size       int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime:false"`
}

func (FileModel) TableName() string { return "files" }

type PageModel struct {
	ID          string    `gorm:"primaryKey;size:36"`
	FlipbookID  string    `gorm:"size:36;not null;uniqueIndex:idx_pages_flipbook_page,priority:1"`
	PageNumber  int       `gorm:"not null;uniqueIndex:idx_pages_flipbook_page,priority:2"`
	ImageURL    string    `gorm:"type:text;not null"`
	Width       int       `gorm:"not null"`
	Height      int       `gorm:"not null"`
	Placeholder string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false"`
}

func (PageModel) TableName() string { return "pages" }

type AnnotationModel struct {
	ID             string         `gorm:"primaryKey;size:36"`
	FlipbookID     string         `gorm:"size:36;not null;index:idx_annotations_flipbook_page,priority:1"`
	PageNumber     int            `gorm:"not null;index:idx_annotations_flipbook_page,priority:2"`
	UserIdentifier string         `gorm:"size:255;not null"`
	Type           string         `gorm:"size:16;not null"`
	Range          datatypes.JSON `gorm:"type:jsonb;not null"`
	Content        string         `gorm:"type:text;not null"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime:false"`
}

func (AnnotationModel) TableName() string { return "annotations" }

type AnalyticsEventModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	FlipbookID string    `gorm:"size:36;not null;index:idx_events_flipbook_session,priority:1"`
	SessionID  string    `gorm:"size:255;not null;index:idx_events_flipbook_session,priority:2"`
	EventType  string    `gorm:"size:50;not null"`
	PageNumber *int
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_events_flipbook_session,priority:3"`
}

func (AnalyticsEventModel) TableName() string { return "analytics_events" }
