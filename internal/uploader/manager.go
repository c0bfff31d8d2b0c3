// Package uploader implements the transfer queue manager: admission control,
// bounded-concurrency multipart transfers, durable per-organization queue
// snapshots and recovery from interrupted sessions.
package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/model"
	"github.com/matchlens/clipsync/internal/probe"
	"github.com/matchlens/clipsync/internal/session"
)

const (
	// DefaultMaxConcurrent bounds jobs in uploading state.
	DefaultMaxConcurrent = 3
	// DefaultMaxBacklog bounds jobs in queued+uploading states.
	DefaultMaxBacklog = 5
)

// Transfer is the chunked upload primitive.
type Transfer interface {
	Upload(ctx context.Context, creds session.Credentials, bucket, objectPath string, src io.Reader, size int64, contentType string, progress func(sent, total int64)) error
}

// AssetUpdater mutates the server-side asset record.
type AssetUpdater interface {
	UpdateAsset(ctx context.Context, mediaID string, patch model.AssetPatch) error
}

// Notifier verifies a finished upload and dispatches server-side processing.
type Notifier interface {
	CompleteUpload(ctx context.Context, mediaID, orgID, storagePath string) (*model.DispatchReceipt, error)
}

// Store persists the whole queue snapshot, keyed by organization id.
type Store interface {
	Save(ctx context.Context, orgID string, records []PersistedJobRecord) error
	Load(ctx context.Context, orgID string) ([]PersistedJobRecord, error)
}

// Config carries the queue ceilings.
type Config struct {
	MaxConcurrent int
	MaxBacklog    int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	return c
}

// Deps groups the external collaborators.
type Deps struct {
	Issuer   session.Issuer
	Transfer Transfer
	Assets   AssetUpdater
	Notifier Notifier
	Store    Store
}

type completion struct {
	mediaID     string
	orgID       string
	storagePath string
}

// Manager owns the upload job list. All state mutations happen under one
// mutex; transfers run in their own goroutines but report back through it.
type Manager struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu    sync.Mutex
	orgID string
	jobs  []*Job
	exec  map[string]*execution

	baseCtx     atomic.Pointer[context.Context]
	completions chan completion
	onRefresh   func(context.Context)
}

// NewManager constructs a Manager. Call Start before enqueueing.
func NewManager(deps Deps, cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		log:         log,
		exec:        make(map[string]*execution),
		completions: make(chan completion, 16),
	}
}

// SetRefreshHook registers the callback fired after each completed job is
// drained, so the caller can refresh its asset list.
func (m *Manager) SetRefreshHook(fn func(context.Context)) {
	m.mu.Lock()
	m.onRefresh = fn
	m.mu.Unlock()
}

// Start binds the manager to its run context and starts the completion
// drainer. Transfers started later are children of ctx.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx.Store(&ctx)
	go m.drainCompletions(ctx)
}

func (m *Manager) runCtx() context.Context {
	if p := m.baseCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// Organization returns the active organization id.
func (m *Manager) Organization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orgID
}

// Jobs returns a snapshot of the queue in arrival order.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

// Job returns a snapshot of one job.
func (m *Manager) Job(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.findLocked(id); j != nil {
		return *j, nil
	}
	return Job{}, ErrJobNotFound
}

// Enqueue admits a new upload job for the active organization. Admission and
// session-issuance failures surface synchronously; after admission the
// manager owns the job's lifetime.
func (m *Manager) Enqueue(ctx context.Context, src FileSource, bucket string) (Job, error) {
	m.mu.Lock()
	org := m.orgID
	m.mu.Unlock()
	if org == "" {
		return Job{}, ErrNoActiveOrganization
	}

	var duration float64
	if rs, ok := src.Reader.(io.ReadSeeker); ok {
		if d, found := probe.Duration(rs); found {
			duration = d
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return Job{}, fmt.Errorf("rewind source after probe: %w", err)
		}
	}

	fileName := session.SanitizeFileName(src.Name)
	grant, err := m.deps.Issuer.IssueUploadSession(ctx, session.Request{
		OrgID:           org,
		Bucket:          bucket,
		FileName:        fileName,
		FileSizeBytes:   src.Size,
		DurationSeconds: duration,
	})
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrUploadSessionFailed, err)
	}

	job := &Job{
		ID:          grant.MediaID,
		OrgID:       org,
		FileName:    fileName,
		FileSize:    src.Size,
		MimeType:    src.MimeType,
		Bucket:      bucket,
		StoragePath: grant.StoragePath,
		Credentials: grant.Credentials,
		State:       StateQueued,
		EnqueuedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orgID != org {
		return Job{}, ErrNoActiveOrganization
	}
	if m.activeCountLocked() >= m.cfg.MaxBacklog {
		return Job{}, ErrQueueFull
	}
	m.jobs = append(m.jobs, job)
	m.exec[job.ID] = &execution{source: src.Reader}
	m.persistLocked()
	m.scheduleLocked()
	return *job, nil
}

// Cancel aborts an in-flight transfer and marks the job failed. Cancelling a
// job that is not uploading is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.findLocked(id)
	if job == nil {
		return ErrJobNotFound
	}
	if job.State != StateUploading {
		return nil
	}
	if ex := m.exec[id]; ex != nil {
		ex.release()
		delete(m.exec, id)
	}
	job.State = StateFailed
	m.log.Info("upload cancelled", zap.String("job_id", id))
	m.persistLocked()
	m.scheduleLocked()
	return nil
}

// Remove deletes a job from the queue and the persisted snapshot. An
// in-flight transfer is aborted first.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, j := range m.jobs {
		if j.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrJobNotFound
	}
	if ex := m.exec[id]; ex != nil {
		ex.release()
		delete(m.exec, id)
	}
	m.jobs = append(m.jobs[:idx], m.jobs[idx+1:]...)
	m.persistLocked()
	m.scheduleLocked()
	return nil
}

// Reattach binds a fresh byte source to an abandoned job and requeues it.
func (m *Manager) Reattach(id string, src FileSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.findLocked(id)
	if job == nil {
		return ErrJobNotFound
	}
	if job.State != StateAbandoned {
		return ErrInvalidReattach
	}
	job.State = StateQueued
	job.ProgressPercent = 0
	job.BytesTransferred = 0
	job.TransferRate = 0
	m.exec[id] = &execution{source: src.Reader}
	m.log.Info("job reattached", zap.String("job_id", id))
	m.persistLocked()
	m.scheduleLocked()
	return nil
}

// SwitchOrganization aborts all in-flight transfers, persists the abandoned
// snapshot under the previous organization's key, then rehydrates the queue
// for the new organization. No job metadata crosses the boundary.
func (m *Manager) SwitchOrganization(ctx context.Context, newOrg string) error {
	m.mu.Lock()
	prev := m.orgID
	if prev == newOrg {
		m.mu.Unlock()
		return nil
	}
	var interrupted []string
	for _, job := range m.jobs {
		if job.State == StateUploading {
			job.State = StateAbandoned
			job.TransferRate = 0
			interrupted = append(interrupted, job.ID)
		}
	}
	for id, ex := range m.exec {
		ex.release()
		delete(m.exec, id)
	}
	if prev != "" {
		m.persistForLocked(prev)
	}
	m.jobs = nil
	m.orgID = newOrg
	m.mu.Unlock()

	m.markInterrupted(ctx, interrupted)
	return m.rehydrate(ctx)
}

// rehydrate reads the persisted snapshot for the active organization. Byte
// sources never survive a session, so records found in uploading or queued
// state are reclassified to abandoned; reattachment supplies a new source.
func (m *Manager) rehydrate(ctx context.Context) error {
	m.mu.Lock()
	org := m.orgID
	m.mu.Unlock()
	if org == "" {
		return nil
	}
	records, err := m.deps.Store.Load(ctx, org)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	var abandoned []string
	jobs := make([]*Job, 0, len(records))
	for _, rec := range records {
		job := rec.toJob()
		switch job.State {
		case StateUploading:
			job.State = StateAbandoned
			job.TransferRate = 0
			abandoned = append(abandoned, job.ID)
		case StateQueued:
			// never started, so no interrupted mark on the server side
			job.State = StateAbandoned
		}
		jobs = append(jobs, job)
	}
	m.mu.Lock()
	if m.orgID == org {
		m.jobs = jobs
		m.persistLocked()
	}
	m.mu.Unlock()
	if len(jobs) > 0 {
		m.log.Info("queue rehydrated", zap.String("org_id", org), zap.Int("jobs", len(jobs)), zap.Int("abandoned", len(abandoned)))
	}
	m.markInterrupted(ctx, abandoned)
	return nil
}

// markInterrupted tells the server the given assets lost their transfer.
// Best-effort: failures are logged, the local queue state stays authoritative.
func (m *Manager) markInterrupted(ctx context.Context, ids []string) {
	status := model.AssetInterrupted
	for _, id := range ids {
		if err := m.deps.Assets.UpdateAsset(ctx, id, model.AssetPatch{Status: &status}); err != nil {
			m.log.Warn("failed to mark asset interrupted", zap.String("media_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) findLocked(id string) *Job {
	for _, j := range m.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, j := range m.jobs {
		if j.State == StateQueued || j.State == StateUploading {
			n++
		}
	}
	return n
}

func (m *Manager) uploadingCountLocked() int {
	n := 0
	for _, j := range m.jobs {
		if j.State == StateUploading {
			n++
		}
	}
	return n
}

// scheduleLocked promotes queued jobs with a usable byte source to uploading
// in FIFO order, bounded by the concurrency ceiling.
func (m *Manager) scheduleLocked() {
	active := m.uploadingCountLocked()
	for _, job := range m.jobs {
		if active >= m.cfg.MaxConcurrent {
			return
		}
		if job.State != StateQueued {
			continue
		}
		ex := m.exec[job.ID]
		if ex == nil || ex.source == nil {
			// no byte source bound yet
			continue
		}
		jobCtx, cancel := context.WithCancel(m.runCtx())
		ex.cancel = cancel
		ex.startedAt = time.Now()
		ex.lastQuartile = 0
		job.State = StateUploading
		active++
		m.persistLocked()
		m.log.Info("upload started",
			zap.String("job_id", job.ID),
			zap.String("file", job.FileName),
			zap.Int64("size_bytes", job.FileSize))
		// the source is captured here, under the lock: a concurrent
		// Cancel/Remove/SwitchOrganization nils ex.source via release
		go m.runJob(jobCtx, job, ex, ex.source)
	}
}

func (m *Manager) runJob(ctx context.Context, job *Job, ex *execution, src io.Reader) {
	status := model.AssetUploading
	patch := model.AssetPatch{
		Status:      &status,
		StoragePath: &job.StoragePath,
		SizeBytes:   &job.FileSize,
	}
	if job.MimeType != "" {
		patch.MimeType = &job.MimeType
	}
	// Fail fast: if the server cannot track the asset there is no point in
	// spending bandwidth on the transfer.
	if err := m.deps.Assets.UpdateAsset(ctx, job.ID, patch); err != nil {
		m.finishJob(job, fmt.Errorf("%w: %v", ErrAssetUpdateFailed, err))
		return
	}
	// The job may have been cancelled or removed while the status update was
	// in flight; its execution is already released then.
	m.mu.Lock()
	live := job.State == StateUploading && m.findLocked(job.ID) == job
	m.mu.Unlock()
	if !live {
		return
	}
	err := m.deps.Transfer.Upload(ctx, job.Credentials, job.Bucket, job.StoragePath,
		src, job.FileSize, job.MimeType, func(sent, total int64) {
			m.onProgress(job, ex, sent, total)
		})
	if err != nil {
		m.finishJob(job, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	m.finishJob(job, nil)
}

func (m *Manager) onProgress(job *Job, ex *execution, sent, total int64) {
	m.mu.Lock()
	if job.State != StateUploading {
		m.mu.Unlock()
		return
	}
	if sent > job.FileSize {
		sent = job.FileSize
	}
	job.BytesTransferred = sent
	if total > 0 {
		job.ProgressPercent = int(sent * 100 / total)
	}
	if elapsed := time.Since(ex.startedAt).Seconds(); elapsed > 0 {
		job.TransferRate = float64(sent) / elapsed
	}
	quartile := job.ProgressPercent / 25
	logProgress := quartile > ex.lastQuartile
	if logProgress {
		ex.lastQuartile = quartile
	}
	id, percent, rate := job.ID, job.ProgressPercent, job.TransferRate
	m.persistLocked()
	m.mu.Unlock()
	if logProgress {
		m.log.Info("upload progress",
			zap.String("job_id", id),
			zap.Int("percent", percent),
			zap.Float64("bytes_per_sec", rate))
	}
}

// finishJob settles a job after its transfer goroutine returns, frees the
// concurrency slot and immediately reschedules.
func (m *Manager) finishJob(job *Job, jobErr error) {
	m.mu.Lock()
	if ex := m.exec[job.ID]; ex != nil {
		ex.release()
		delete(m.exec, job.ID)
	}
	var done *completion
	if jobErr == nil {
		if job.State == StateUploading {
			job.State = StateCompleted
			job.ProgressPercent = 100
			job.BytesTransferred = job.FileSize
			done = &completion{mediaID: job.ID, orgID: job.OrgID, storagePath: job.StoragePath}
		}
	} else if job.State == StateUploading {
		job.State = StateFailed
		m.log.Warn("upload failed", zap.String("job_id", job.ID), zap.Error(jobErr))
	}
	m.persistLocked()
	m.scheduleLocked()
	m.mu.Unlock()
	if done != nil {
		m.log.Info("upload completed", zap.String("job_id", done.mediaID))
		select {
		case m.completions <- *done:
		case <-m.runCtx().Done():
		}
	}
}

// drainCompletions handles each completed job exactly once: dispatch
// server-side processing, drop the job from the queue either way, then
// trigger an asset-list refresh. Dispatch failures are logged, not retried.
func (m *Manager) drainCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.completions:
			receipt, err := m.deps.Notifier.CompleteUpload(ctx, c.mediaID, c.orgID, c.storagePath)
			if err != nil {
				m.log.Error("completion dispatch failed",
					zap.String("media_id", c.mediaID),
					zap.Error(fmt.Errorf("%w: %v", ErrDispatchFailed, err)))
			} else {
				m.log.Info("completion dispatched",
					zap.String("media_id", c.mediaID),
					zap.String("dispatch_job", receipt.JobID),
					zap.String("dispatch_message", receipt.DispatchMessageID))
			}
			if err := m.Remove(c.mediaID); err != nil {
				m.log.Warn("completed job already gone", zap.String("media_id", c.mediaID))
			}
			m.mu.Lock()
			refresh := m.onRefresh
			m.mu.Unlock()
			if refresh != nil {
				refresh(ctx)
			}
		}
	}
}

// persistLocked writes the whole snapshot for the active organization.
// Persistence errors are logged; the in-memory queue stays authoritative.
func (m *Manager) persistLocked() {
	m.persistForLocked(m.orgID)
}

func (m *Manager) persistForLocked(orgID string) {
	if orgID == "" {
		return
	}
	records := make([]PersistedJobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		records = append(records, recordFromJob(j))
	}
	if err := m.deps.Store.Save(m.runCtx(), orgID, records); err != nil {
		m.log.Warn("persist queue snapshot failed", zap.String("org_id", orgID), zap.Error(err))
	}
}
