package uploader

import (
	"io"
	"time"

	"github.com/matchlens/clipsync/internal/session"
)

// State is the queue-side lifecycle of an upload job. Transitions are
// monotonic except for the explicit abandoned → queued reattachment.
type State string

const (
	StateQueued    State = "queued"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Job is one in-flight or queued transfer. The job id doubles as the media
// asset id issued by the upload-session issuer.
type Job struct {
	ID          string              `json:"id"`
	OrgID       string              `json:"orgId"`
	FileName    string              `json:"fileName"`
	FileSize    int64               `json:"fileSize"`
	MimeType    string              `json:"mimeType,omitempty"`
	Bucket      string              `json:"bucket"`
	StoragePath string              `json:"storagePath"`
	Credentials session.Credentials `json:"credentials"`

	State            State   `json:"state"`
	ProgressPercent  int     `json:"progressPercent"`
	BytesTransferred int64   `json:"bytesTransferred"`
	TransferRate     float64 `json:"transferRateBytesPerSec"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// PersistedJobRecord is the durable projection of a Job. The byte source and
// any execution handle are deliberately absent: they live only in memory for
// the lifetime of one process session.
type PersistedJobRecord struct {
	ID               string              `json:"id"`
	OrgID            string              `json:"orgId"`
	FileName         string              `json:"fileName"`
	FileSize         int64               `json:"fileSize"`
	MimeType         string              `json:"mimeType,omitempty"`
	Bucket           string              `json:"bucket"`
	StoragePath      string              `json:"storagePath"`
	Credentials      session.Credentials `json:"credentials"`
	State            State               `json:"state"`
	ProgressPercent  int                 `json:"progressPercent"`
	BytesTransferred int64               `json:"bytesTransferred"`
	EnqueuedAt       time.Time           `json:"enqueuedAt"`
}

func recordFromJob(j *Job) PersistedJobRecord {
	return PersistedJobRecord{
		ID:               j.ID,
		OrgID:            j.OrgID,
		FileName:         j.FileName,
		FileSize:         j.FileSize,
		MimeType:         j.MimeType,
		Bucket:           j.Bucket,
		StoragePath:      j.StoragePath,
		Credentials:      j.Credentials,
		State:            j.State,
		ProgressPercent:  j.ProgressPercent,
		BytesTransferred: j.BytesTransferred,
		EnqueuedAt:       j.EnqueuedAt,
	}
}

func (rec PersistedJobRecord) toJob() *Job {
	return &Job{
		ID:               rec.ID,
		OrgID:            rec.OrgID,
		FileName:         rec.FileName,
		FileSize:         rec.FileSize,
		MimeType:         rec.MimeType,
		Bucket:           rec.Bucket,
		StoragePath:      rec.StoragePath,
		Credentials:      rec.Credentials,
		State:            rec.State,
		ProgressPercent:  rec.ProgressPercent,
		BytesTransferred: rec.BytesTransferred,
		EnqueuedAt:       rec.EnqueuedAt,
	}
}

// FileSource supplies the bytes for one transfer attempt. Reader should be an
// io.ReadSeeker when duration probing is wanted; if it also implements
// io.Closer it is closed when the job releases its execution context.
type FileSource struct {
	Name     string
	Size     int64
	MimeType string
	Reader   io.Reader
}

// execution is the transient per-job context rebuilt each session: the byte
// source and the cancel handle for the in-flight transfer. Keyed by job id,
// never persisted.
type execution struct {
	source       io.Reader
	cancel       func()
	startedAt    time.Time
	lastQuartile int
}

func (ex *execution) release() {
	if ex.cancel != nil {
		ex.cancel()
		ex.cancel = nil
	}
	if c, ok := ex.source.(io.Closer); ok {
		_ = c.Close()
	}
	ex.source = nil
}
