package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	EmbeddingDim   = 512
	MaxTags        = 24
	MaxErrorLength = 2000
)

type PhotoStatus string

const (
	StatusQueued     PhotoStatus = "QUEUED"
	StatusProcessing PhotoStatus = "PROCESSING"
	StatusReady      PhotoStatus = "READY"
	StatusError      PhotoStatus = "ERROR"
)

// CanTransition reports whether a photo may move from s to next.
// PROCESSING may be re-entered by a redelivered job and ERROR by a queue
// retry; READY only leaves through a manual re-enqueue.
func (s PhotoStatus) CanTransition(next PhotoStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusReady || next == StatusError || next == StatusProcessing
	case StatusError:
		return next == StatusQueued || next == StatusProcessing
	case StatusReady:
		return next == StatusQueued
	}
	return false
}

// Claimable lists the states a worker may move to PROCESSING.
func Claimable() []PhotoStatus {
	var out []PhotoStatus
	for _, s := range []PhotoStatus{StatusQueued, StatusProcessing, StatusReady, StatusError} {
		if s.CanTransition(StatusProcessing) {
			out = append(out, s)
		}
	}
	return out
}

type Photo struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	OriginalKey string      `db:"original_key" json:"original_key"`
	Mime        string      `db:"mime" json:"mime"`
	Size        int64       `db:"size" json:"size"`
	Width       *int        `db:"width" json:"width,omitempty"`
	Height      *int        `db:"height" json:"height,omitempty"`
	CapturedAt  *time.Time  `db:"captured_at" json:"captured_at,omitempty"`
	CameraMake  *string     `db:"camera_make" json:"camera_make,omitempty"`
	CameraModel *string     `db:"camera_model" json:"camera_model,omitempty"`
	LensModel   *string     `db:"lens_model" json:"lens_model,omitempty"`
	ISO         *int        `db:"iso" json:"iso,omitempty"`
	FNumber     *float64    `db:"f_number" json:"f_number,omitempty"`
	Shutter     *string     `db:"shutter" json:"shutter,omitempty"`
	FocalLength *float64    `db:"focal_length" json:"focal_length,omitempty"`
	Latitude    *float64    `db:"gps_lat" json:"gps_lat,omitempty"`
	Longitude   *float64    `db:"gps_lon" json:"gps_lon,omitempty"`
	Caption     *string     `db:"caption" json:"caption,omitempty"`
	Tags        []string    `db:"tags" json:"tags"`
	Status      PhotoStatus `db:"status" json:"status"`
	Error       *string     `db:"error" json:"error,omitempty"`
	Demo        bool        `db:"demo" json:"demo"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

type AssetType string

const (
	AssetThumbnail AssetType = "THUMBNAIL"
	AssetPreview   AssetType = "PREVIEW"
)

type Asset struct {
	PhotoID    uuid.UUID `db:"photo_id" json:"photo_id"`
	Type       AssetType `db:"type" json:"type"`
	StorageKey string    `db:"storage_key" json:"storage_key"`
	Width      int       `db:"width" json:"width"`
	Height     int       `db:"height" json:"height"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Metadata is the best-effort result of reading an original. Any field
// may be nil when the source carries no such tag.
type Metadata struct {
	Width       *int
	Height      *int
	CapturedAt  *time.Time
	CameraMake  *string
	CameraModel *string
	LensModel   *string
	ISO         *int
	FNumber     *float64
	Shutter     *string
	FocalLength *float64
	Latitude    *float64
	Longitude   *float64
}

// NormalizeTags lowercases, trims, drops empties and duplicates, and caps
// the result at MaxTags while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// TruncateError cuts msg to MaxErrorLength characters without splitting a rune.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

func ThumbnailKey(id uuid.UUID) string {
	return "derivatives/" + id.String() + "/thumbnail.jpg"
}

func PreviewKey(id uuid.UUID) string {
	return "derivatives/" + id.String() + "/preview.jpg"
}

func OriginalKey(id uuid.UUID, ext string) string {
	return "originals/" + id.String() + strings.ToLower(ext)
}
