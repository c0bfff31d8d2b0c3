// Package model contains the data types shared between the upload queue,
// the processing monitor and the persistence layer.
package model

import "time"

// AssetStatus describes the server-side lifecycle of an uploaded media asset.
type AssetStatus string

const (
	AssetUploading       AssetStatus = "uploading"
	AssetInterrupted     AssetStatus = "interrupted"
	AssetReady           AssetStatus = "ready"
	AssetDetectingEvents AssetStatus = "detecting_events"
	AssetFailed          AssetStatus = "failed"
)

// MediaAsset is one uploaded file as tracked by the server-side pipeline.
type MediaAsset struct {
	ID              string      `json:"id"`
	OrgID           string      `json:"orgId"`
	FileName        string      `json:"fileName"`
	StoragePath     string      `json:"storagePath"`
	SizeBytes       int64       `json:"sizeBytes"`
	MimeType        string      `json:"mimeType,omitempty"`
	DurationSeconds float64     `json:"durationSeconds,omitempty"`
	Status          AssetStatus `json:"status"`
	StreamingReady  bool        `json:"streamingReady"`
	NarrationCount  int         `json:"narrationCount"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Processing reports whether the asset still has server-side work pending:
// either transcoding has not produced a playable rendition yet, or the
// event-detection stage is running.
func (a *MediaAsset) Processing() bool {
	if a.Status == AssetReady && !a.StreamingReady {
		return true
	}
	return a.Status == AssetDetectingEvents
}

// AssetState is the minimal status projection fetched while polling.
type AssetState struct {
	ID             string      `json:"id"`
	Status         AssetStatus `json:"status"`
	StreamingReady bool        `json:"streamingReady"`
}

// AssetPatch is a partial update applied to an asset record. Nil fields are
// left untouched.
type AssetPatch struct {
	Status      *AssetStatus
	StoragePath *string
	SizeBytes   *int64
	MimeType    *string
}

// DispatchReceipt identifies the server-side processing work enqueued for a
// completed upload.
type DispatchReceipt struct {
	JobID             string `json:"jobId"`
	DispatchMessageID string `json:"dispatchMessageId"`
}

// CoverageLabel classifies how much narration context an asset has.
type CoverageLabel string

const (
	CoverageNone           CoverageLabel = "no_context"
	CoverageInProgress     CoverageLabel = "in_progress"
	CoverageContextualized CoverageLabel = "contextualized"
)

// Coverage maps a narration count onto its coverage label. Thresholds sit at
// 0 and 10 narrations.
func Coverage(narrations int) CoverageLabel {
	switch {
	case narrations <= 0:
		return CoverageNone
	case narrations < 10:
		return CoverageInProgress
	default:
		return CoverageContextualized
	}
}
