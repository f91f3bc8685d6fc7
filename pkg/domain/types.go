package domain

import (
	"strings"
	"time"
)

// FlipbookStatus is the lifecycle state of a flipbook.
type FlipbookStatus string

const (
	StatusUploading  FlipbookStatus = "uploading"
	StatusProcessing FlipbookStatus = "processing"
	StatusReady      FlipbookStatus = "ready"
	StatusError      FlipbookStatus = "error"
)

// ParseFlipbookStatus converts a string into a known status.
func ParseFlipbookStatus(value string) (FlipbookStatus, bool) {
	switch s := FlipbookStatus(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusUploading, StatusProcessing, StatusReady, StatusError:
		return s, true
	}
	return "", false
}

// AllowsDerivedAssets reports whether optimized files or pages may exist in this state.
func (s FlipbookStatus) AllowsDerivedAssets() bool {
	return s == StatusProcessing || s == StatusReady
}

type FileType string

const (
	FileOriginal  FileType = "original"
	FileOptimized FileType = "optimized"
)

// ParseFileType converts a string into a known file type.
func ParseFileType(value string) (FileType, bool) {
	switch t := FileType(strings.ToLower(strings.TrimSpace(value))); t {
	case FileOriginal, FileOptimized:
		return t, true
	}
	return "", false
}

type AnnotationType string

const (
	AnnotationHighlight AnnotationType = "highlight"
	AnnotationNote      AnnotationType = "note"
)

// ParseAnnotationType converts a string into a known annotation type.
func ParseAnnotationType(value string) (AnnotationType, bool) {
	switch t := AnnotationType(strings.ToLower(strings.TrimSpace(value))); t {
	case AnnotationHighlight, AnnotationNote:
		return t, true
	}
	return "", false
}

type Flipbook struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	OriginalSize  int64          `json:"originalSize"`
	OptimizedSize *int64         `json:"optimizedSize"`
	Status        FlipbookStatus `json:"status"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Attempt       int            `json:"attempt"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type File struct {
	ID         string    `json:"id"`
	FlipbookID string    `json:"flipbookId"`
	URL        string    `json:"url"`
	Type       FileType  `json:"type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Page struct {
	ID          string    `json:"id"`
	FlipbookID  string    `json:"flipbookId"`
	PageNumber  int       `json:"pageNumber"`
	ImageURL    string    `json:"imageUrl"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Placeholder string    `json:"placeholder,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TextRange is a span of content offsets on a page.
type TextRange struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gte=0,gtefield=Start"`
}

type Annotation struct {
	ID             string         `json:"id"`
	FlipbookID     string         `json:"flipbookId"`
	PageNumber     int            `json:"pageNumber"`
	UserIdentifier string         `json:"userIdentifier"`
	Type           AnnotationType `json:"type"`
	Range          TextRange      `json:"range"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type AnalyticsEvent struct {
	ID         string    `json:"id"`
	FlipbookID string    `json:"flipbookId"`
	SessionID  string    `json:"sessionId"`
	EventType  string    `json:"eventType"`
	PageNumber *int      `json:"pageNumber"`
	Timestamp  time.Time `json:"timestamp"`
}
