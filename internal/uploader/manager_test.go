package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/model"
	"github.com/matchlens/clipsync/internal/session"
)

type fakeIssuer struct {
	mu   sync.Mutex
	next int
	err  error
}

func (f *fakeIssuer) IssueUploadSession(ctx context.Context, req session.Request) (*session.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	id := fmt.Sprintf("media-%d", f.next)
	return &session.Grant{
		MediaID:     id,
		StoragePath: fmt.Sprintf("orgs/%s/%s/%s", req.OrgID, id, req.FileName),
		Credentials: session.Credentials{AccessKeyID: "ak", SecretAccessKey: "sk"},
	}, nil
}

// blockingTransfer holds every Upload open until the test releases it by
// storage path, and tracks the peak number of concurrent transfers.
type blockingTransfer struct {
	mu      sync.Mutex
	active  int
	peak    int
	calls   []io.Reader
	waiting map[string]chan error
}

func newBlockingTransfer() *blockingTransfer {
	return &blockingTransfer{waiting: make(map[string]chan error)}
}

func (f *blockingTransfer) gate(path string) chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.waiting[path]
	if !ok {
		ch = make(chan error, 1)
		f.waiting[path] = ch
	}
	return ch
}

func (f *blockingTransfer) Upload(ctx context.Context, creds session.Credentials, bucket, objectPath string, src io.Reader, size int64, contentType string, progress func(sent, total int64)) error {
	f.mu.Lock()
	f.calls = append(f.calls, src)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.gate(objectPath):
		if err == nil && progress != nil {
			progress(size, size)
		}
		return err
	}
}

func (f *blockingTransfer) release(path string, err error) {
	f.gate(path) <- err
}

func (f *blockingTransfer) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *blockingTransfer) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memStore struct {
	mu    sync.Mutex
	snaps map[string][]PersistedJobRecord
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string][]PersistedJobRecord)}
}

func (s *memStore) Save(ctx context.Context, orgID string, records []PersistedJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]PersistedJobRecord, len(records))
	copy(cp, records)
	s.snaps[orgID] = cp
	return nil
}

func (s *memStore) Load(ctx context.Context, orgID string) ([]PersistedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]PersistedJobRecord, len(s.snaps[orgID]))
	copy(cp, s.snaps[orgID])
	return cp, nil
}

func (s *memStore) snapshot(orgID string) []PersistedJobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]PersistedJobRecord, len(s.snaps[orgID]))
	copy(cp, s.snaps[orgID])
	return cp
}

type fakeAssets struct {
	mu      sync.Mutex
	patches map[string][]model.AssetPatch
	err     error
	// onUpdate, when set, runs after each recorded patch, outside the lock
	onUpdate func(mediaID string)
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{patches: make(map[string][]model.AssetPatch)}
}

func (f *fakeAssets) UpdateAsset(ctx context.Context, mediaID string, patch model.AssetPatch) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.patches[mediaID] = append(f.patches[mediaID], patch)
	hook := f.onUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(mediaID)
	}
	return nil
}

func (f *fakeAssets) lastStatus(mediaID string) (model.AssetStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.patches[mediaID]
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Status != nil {
			return *ps[i].Status, true
		}
	}
	return "", false
}

type dispatchCall struct {
	mediaID, orgID, storagePath string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (f *fakeNotifier) CompleteUpload(ctx context.Context, mediaID, orgID, storagePath string) (*model.DispatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, dispatchCall{mediaID, orgID, storagePath})
	return &model.DispatchReceipt{JobID: "transcode-1", DispatchMessageID: "detect-1"}, nil
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	manager  *Manager
	issuer   *fakeIssuer
	transfer *blockingTransfer
	store    *memStore
	assets   *fakeAssets
	notifier *fakeNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		issuer:   &fakeIssuer{},
		transfer: newBlockingTransfer(),
		store:    newMemStore(),
		assets:   newFakeAssets(),
		notifier: &fakeNotifier{},
	}
	h.manager = NewManager(Deps{
		Issuer:   h.issuer,
		Transfer: h.transfer,
		Assets:   h.assets,
		Notifier: h.notifier,
		Store:    h.store,
	}, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.manager.Start(ctx)
	return h
}

func (h *harness) activate(t *testing.T, org string) {
	t.Helper()
	if err := h.manager.SwitchOrganization(context.Background(), org); err != nil {
		t.Fatalf("switch organization: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, name string, size int64) Job {
	t.Helper()
	job, err := h.manager.Enqueue(context.Background(), FileSource{
		Name:     name,
		Size:     size,
		MimeType: "video/mp4",
		Reader:   strings.NewReader(strings.Repeat("x", 64)),
	}, "match-media")
	if err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
	return job
}

func (h *harness) countState(s State) int {
	n := 0
	for _, j := range h.manager.Jobs() {
		if j.State == s {
			n++
		}
	}
	return n
}

func TestEnqueueWithoutOrganization(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.manager.Enqueue(context.Background(), FileSource{
		Name:   "clip.mp4",
		Size:   1024,
		Reader: strings.NewReader("data"),
	}, "match-media")
	if !errors.Is(err, ErrNoActiveOrganization) {
		t.Fatalf("err = %v, want ErrNoActiveOrganization", err)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 3, MaxBacklog: 5})
	h.activate(t, "org-a")

	var jobs []Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, h.enqueue(t, fmt.Sprintf("clip-%d.mp4", i), 1<<20))
	}

	if got := h.countState(StateUploading); got != 3 {
		t.Fatalf("uploading = %d, want 3", got)
	}
	if got := h.countState(StateQueued); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}

	h.transfer.release(jobs[0].StoragePath, nil)
	waitFor(t, "fourth job to start", func() bool {
		j, err := h.manager.Job(jobs[3].ID)
		return err == nil && j.State == StateUploading
	})
	if peak := h.transfer.peakConcurrency(); peak > 3 {
		t.Fatalf("peak concurrency = %d, want at most 3", peak)
	}
}

func TestQueueFullRejection(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 3, MaxBacklog: 5})
	h.activate(t, "org-a")

	for i := 0; i < 5; i++ {
		h.enqueue(t, fmt.Sprintf("clip-%d.mp4", i), 1<<20)
	}
	_, err := h.manager.Enqueue(context.Background(), FileSource{
		Name:   "overflow.mp4",
		Size:   1 << 20,
		Reader: strings.NewReader("data"),
	}, "match-media")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := len(h.manager.Jobs()); got != 5 {
		t.Fatalf("queue length after rejection = %d, want 5", got)
	}
}

func TestFIFOPromotion(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1, MaxBacklog: 5})
	h.activate(t, "org-a")

	first := h.enqueue(t, "first.mp4", 100)
	second := h.enqueue(t, "second.mp4", 100)
	third := h.enqueue(t, "third.mp4", 100)

	if j, _ := h.manager.Job(first.ID); j.State != StateUploading {
		t.Fatalf("first job state = %s, want uploading", j.State)
	}

	h.transfer.release(first.StoragePath, nil)
	waitFor(t, "second job to start", func() bool {
		j, err := h.manager.Job(second.ID)
		return err == nil && j.State == StateUploading
	})
	if j, _ := h.manager.Job(third.ID); j.State != StateQueued {
		t.Fatalf("third job state = %s, want queued", j.State)
	}
}

func TestCompletionDispatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t, "org-a")

	refreshed := make(chan struct{}, 4)
	h.manager.SetRefreshHook(func(context.Context) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})

	job := h.enqueue(t, "match.mp4", 50<<20)
	h.transfer.release(job.StoragePath, nil)

	waitFor(t, "completion dispatch", func() bool { return h.notifier.callCount() == 1 })
	h.notifier.mu.Lock()
	call := h.notifier.calls[0]
	h.notifier.mu.Unlock()
	if call.mediaID != job.ID || call.orgID != "org-a" || call.storagePath != job.StoragePath {
		t.Fatalf("dispatch call = %+v, want media %s org org-a path %s", call, job.ID, job.StoragePath)
	}

	waitFor(t, "job removal", func() bool {
		_, err := h.manager.Job(job.ID)
		return errors.Is(err, ErrJobNotFound)
	})
	select {
	case <-refreshed:
	case <-time.After(3 * time.Second):
		t.Fatalf("refresh hook never fired")
	}
	if got := h.notifier.callCount(); got != 1 {
		t.Fatalf("dispatch count = %d, want exactly 1", got)
	}
}

func TestTransferFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t, "org-a")

	job := h.enqueue(t, "broken.mp4", 1<<20)
	h.transfer.release(job.StoragePath, errors.New("connection reset"))

	waitFor(t, "job to fail", func() bool {
		j, err := h.manager.Job(job.ID)
		return err == nil && j.State == StateFailed
	})
	if h.notifier.callCount() != 0 {
		t.Fatalf("failed job must not dispatch processing")
	}
}

func TestCancelUploadingJob(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1, MaxBacklog: 5})
	h.activate(t, "org-a")

	first := h.enqueue(t, "first.mp4", 100)
	second := h.enqueue(t, "second.mp4", 100)

	if err := h.manager.Cancel(first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if j, _ := h.manager.Job(first.ID); j.State != StateFailed {
		t.Fatalf("cancelled job state = %s, want failed", j.State)
	}
	waitFor(t, "next job to take the slot", func() bool {
		j, err := h.manager.Job(second.ID)
		return err == nil && j.State == StateUploading
	})

	// Cancelling a job that is no longer uploading is a no-op.
	if err := h.manager.Cancel(first.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestCancelDuringAssetUpdateSkipsTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t, "org-a")

	entered := make(chan string, 1)
	proceed := make(chan struct{})
	h.assets.mu.Lock()
	h.assets.onUpdate = func(mediaID string) {
		select {
		case entered <- mediaID:
		default:
		}
		<-proceed
	}
	h.assets.mu.Unlock()

	job := h.enqueue(t, "clip.mp4", 1<<20)

	// Cancel lands while the pre-transfer status update is still in flight.
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("status update never started")
	}
	if err := h.manager.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(proceed)

	time.Sleep(50 * time.Millisecond)
	if got := h.transfer.uploadCount(); got != 0 {
		t.Fatalf("transfer invoked %d times after cancel, want 0", got)
	}
	if j, _ := h.manager.Job(job.ID); j.State != StateFailed {
		t.Fatalf("job state = %s, want failed", j.State)
	}
}

func TestManagerUsableBeforeStart(t *testing.T) {
	h := &harness{
		issuer:   &fakeIssuer{},
		transfer: newBlockingTransfer(),
		store:    newMemStore(),
		assets:   newFakeAssets(),
		notifier: &fakeNotifier{},
	}
	h.manager = NewManager(Deps{
		Issuer:   h.issuer,
		Transfer: h.transfer,
		Assets:   h.assets,
		Notifier: h.notifier,
		Store:    h.store,
	}, Config{}, zap.NewNop())

	h.activate(t, "org-a")
	job := h.enqueue(t, "clip.mp4", 1<<20)
	if job.State != StateUploading {
		t.Fatalf("job state = %s, want uploading", job.State)
	}
	h.transfer.release(job.StoragePath, nil)
	waitFor(t, "job to complete", func() bool {
		j, err := h.manager.Job(job.ID)
		return err == nil && j.State == StateCompleted
	})
}

func TestReattachRequiresAbandonedState(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1, MaxBacklog: 5})
	h.activate(t, "org-a")

	uploading := h.enqueue(t, "first.mp4", 100)
	queued := h.enqueue(t, "second.mp4", 100)

	src := FileSource{Name: "first.mp4", Size: 100, Reader: strings.NewReader("bytes")}
	if err := h.manager.Reattach(uploading.ID, src); !errors.Is(err, ErrInvalidReattach) {
		t.Fatalf("reattach uploading job: err = %v, want ErrInvalidReattach", err)
	}
	if err := h.manager.Reattach(queued.ID, src); !errors.Is(err, ErrInvalidReattach) {
		t.Fatalf("reattach queued job: err = %v, want ErrInvalidReattach", err)
	}
	if err := h.manager.Reattach("missing", src); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("reattach unknown job: err = %v, want ErrJobNotFound", err)
	}
}

func TestRehydrateReclassifiesUploading(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.Save(ctx, "org-a", []PersistedJobRecord{
		{
			ID:               "media-9",
			OrgID:            "org-a",
			FileName:         "resumed.mp4",
			FileSize:         2 << 20,
			Bucket:           "match-media",
			StoragePath:      "orgs/org-a/media-9/resumed.mp4",
			State:            StateUploading,
			ProgressPercent:  40,
			BytesTransferred: 800 << 10,
		},
		{
			ID:          "media-10",
			OrgID:       "org-a",
			FileName:    "pending.mp4",
			FileSize:    1 << 20,
			Bucket:      "match-media",
			StoragePath: "orgs/org-a/media-10/pending.mp4",
			State:       StateQueued,
		},
	})

	h.activate(t, "org-a")

	resumed, err := h.manager.Job("media-9")
	if err != nil {
		t.Fatalf("job media-9: %v", err)
	}
	if resumed.State != StateAbandoned {
		t.Fatalf("rehydrated uploading job state = %s, want abandoned", resumed.State)
	}
	if status, ok := h.assets.lastStatus("media-9"); !ok || status != model.AssetInterrupted {
		t.Fatalf("asset media-9 status = %q (%v), want interrupted", status, ok)
	}

	// A queued record lost its byte source with the process too; it joins the
	// reattachment path instead of sitting in the queue forever.
	pending, err := h.manager.Job("media-10")
	if err != nil {
		t.Fatalf("job media-10: %v", err)
	}
	if pending.State != StateAbandoned {
		t.Fatalf("sourceless queued job state = %s, want abandoned", pending.State)
	}
	if _, ok := h.assets.lastStatus("media-10"); ok {
		t.Fatalf("queued record must not be marked interrupted on the server")
	}

	// Reattaching a fresh source requeues the abandoned job and resets progress.
	err = h.manager.Reattach("media-9", FileSource{
		Name:   "resumed.mp4",
		Size:   2 << 20,
		Reader: strings.NewReader("bytes again"),
	})
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	waitFor(t, "reattached job to start", func() bool {
		j, err := h.manager.Job("media-9")
		return err == nil && j.State == StateUploading
	})
	j, _ := h.manager.Job("media-9")
	if j.BytesTransferred != 0 {
		t.Fatalf("reattached job bytes = %d, want 0", j.BytesTransferred)
	}
}

func TestSwitchOrganizationIsolatesSnapshots(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1, MaxBacklog: 5})
	h.activate(t, "org-a")

	inflight := h.enqueue(t, "live.mp4", 100)
	h.enqueue(t, "waiting.mp4", 100)

	h.activate(t, "org-b")

	if got := len(h.manager.Jobs()); got != 0 {
		t.Fatalf("queue after switch = %d jobs, want 0", got)
	}
	if got := h.manager.Organization(); got != "org-b" {
		t.Fatalf("active org = %q, want org-b", got)
	}

	snap := h.store.snapshot("org-a")
	if len(snap) != 2 {
		t.Fatalf("org-a snapshot = %d records, want 2", len(snap))
	}
	states := map[string]State{}
	for _, rec := range snap {
		states[rec.FileName] = rec.State
	}
	if states["live.mp4"] != StateAbandoned {
		t.Fatalf("in-flight job persisted as %s, want abandoned", states["live.mp4"])
	}
	if states["waiting.mp4"] != StateQueued {
		t.Fatalf("queued job persisted as %s, want queued", states["waiting.mp4"])
	}
	if status, ok := h.assets.lastStatus(inflight.ID); !ok || status != model.AssetInterrupted {
		t.Fatalf("interrupted asset status = %q (%v), want interrupted", status, ok)
	}

	// Switching back rehydrates org-a's queue untouched by org-b. Both jobs
	// come back sourceless, so both are reattachment candidates.
	h.activate(t, "org-a")
	jobs := h.manager.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("rehydrated queue = %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.State != StateAbandoned {
			t.Fatalf("rehydrated job %s state = %s, want abandoned", j.FileName, j.State)
		}
	}
}

func TestEnqueueSessionFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t, "org-a")
	h.issuer.mu.Lock()
	h.issuer.err = errors.New("backend down")
	h.issuer.mu.Unlock()

	_, err := h.manager.Enqueue(context.Background(), FileSource{
		Name:   "clip.mp4",
		Size:   1024,
		Reader: strings.NewReader("data"),
	}, "match-media")
	if !errors.Is(err, ErrUploadSessionFailed) {
		t.Fatalf("err = %v, want ErrUploadSessionFailed", err)
	}
	if got := len(h.manager.Jobs()); got != 0 {
		t.Fatalf("queue after failed admission = %d jobs, want 0", got)
	}
}

func TestAssetUpdateFailureFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t, "org-a")
	h.assets.mu.Lock()
	h.assets.err = errors.New("record vanished")
	h.assets.mu.Unlock()

	job := h.enqueue(t, "clip.mp4", 1024)
	waitFor(t, "job to fail before transfer", func() bool {
		j, err := h.manager.Job(job.ID)
		return err == nil && j.State == StateFailed
	})
	if h.notifier.callCount() != 0 {
		t.Fatalf("failed job must not dispatch processing")
	}
}
