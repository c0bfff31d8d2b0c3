// Package monitor watches newly uploaded assets until server-side processing
// marks them streaming-ready, polling the status source on an adaptive
// backoff schedule.
package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/model"
)

// reloadDebounce skips a poll's network round-trip when a full asset reload
// just happened.
const reloadDebounce = 3 * time.Second

// StatusSource fetches the status projection for exactly the given ids.
type StatusSource interface {
	FetchAssetStatuses(ctx context.Context, orgID string, ids []string) ([]model.AssetState, error)
}

// AssetLister loads the full asset list for an organization.
type AssetLister interface {
	ListAssets(ctx context.Context, orgID string) ([]model.MediaAsset, error)
}

// DelayFor returns the backoff delay before poll number n (1-based). Early
// polls are frequent to catch short transcodes; long-running jobs settle at
// one poll per minute.
func DelayFor(n int) time.Duration {
	switch {
	case n <= 6:
		return 5 * time.Second
	case n <= 12:
		return 10 * time.Second
	case n <= 18:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// Monitor owns the in-memory asset list for the active organization and the
// polling state. It never touches upload job state.
type Monitor struct {
	log    *zap.Logger
	source StatusSource
	lister AssetLister

	mu         sync.Mutex
	orgID      string
	assets     map[string]*model.MediaAsset
	polling    bool
	pollCount  int
	timer      *time.Timer
	lastReload time.Time

	baseCtx atomic.Pointer[context.Context]

	// test seams
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// New constructs a Monitor.
func New(source StatusSource, lister AssetLister, log *zap.Logger) *Monitor {
	return &Monitor{
		log:       log,
		source:    source,
		lister:    lister,
		assets:    make(map[string]*model.MediaAsset),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// Start binds the monitor to its run context; scheduled ticks are children of
// ctx.
func (m *Monitor) Start(ctx context.Context) {
	m.baseCtx.Store(&ctx)
}

func (m *Monitor) runCtx() context.Context {
	if p := m.baseCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// SetOrganization switches the active organization, dropping the cached
// asset list and stopping any scheduled poll.
func (m *Monitor) SetOrganization(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orgID == orgID {
		return
	}
	m.orgID = orgID
	m.assets = make(map[string]*model.MediaAsset)
	m.stopLocked()
}

// Refresh reloads the full asset list for the active organization and starts
// polling if any asset is still processing. Called after every completed
// upload and periodically by the agent.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.mu.Lock()
	org := m.orgID
	m.mu.Unlock()
	if org == "" {
		return nil
	}
	list, err := m.lister.ListAssets(ctx, org)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.orgID != org {
		m.mu.Unlock()
		return nil
	}
	m.assets = make(map[string]*model.MediaAsset, len(list))
	for i := range list {
		a := list[i]
		m.assets[a.ID] = &a
	}
	m.lastReload = m.now()
	m.kickLocked()
	m.mu.Unlock()
	return nil
}

// Assets returns a snapshot of the cached asset list, newest first.
func (m *Monitor) Assets() []model.MediaAsset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MediaAsset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ProcessingCount reports how many cached assets are still processing.
func (m *Monitor) ProcessingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processingIDsLocked())
}

// Polling reports whether a poll is currently scheduled.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polling
}

// Stop cancels any scheduled poll.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.polling = false
	m.pollCount = 0
}

// kickLocked starts polling when the processing set is non-empty and no poll
// is already scheduled. The poll counter resets on every (re)start.
func (m *Monitor) kickLocked() {
	if m.polling {
		return
	}
	if len(m.processingIDsLocked()) == 0 {
		return
	}
	m.polling = true
	m.pollCount = 0
	m.scheduleLocked(DelayFor(1))
	m.log.Info("status polling started", zap.String("org_id", m.orgID))
}

func (m *Monitor) scheduleLocked(d time.Duration) {
	m.timer = m.afterFunc(d, func() {
		m.tick(m.runCtx())
	})
}

func (m *Monitor) processingIDsLocked() []string {
	var ids []string
	for _, a := range m.assets {
		if a.Processing() {
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// tick runs one poll: fetch statuses for exactly the processing ids, merge,
// and reschedule or stop.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	m.timer = nil
	if m.orgID == "" {
		m.stopLocked()
		m.mu.Unlock()
		return
	}
	ids := m.processingIDsLocked()
	if len(ids) == 0 {
		m.stopLocked()
		m.mu.Unlock()
		return
	}
	if m.now().Sub(m.lastReload) < reloadDebounce {
		// a full reload just refreshed everything; skip the round-trip
		m.scheduleLocked(DelayFor(m.pollCount + 1))
		m.mu.Unlock()
		return
	}
	m.pollCount++
	poll := m.pollCount
	org := m.orgID
	m.mu.Unlock()

	states, err := m.source.FetchAssetStatuses(ctx, org, ids)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orgID != org || !m.polling {
		return
	}
	if err != nil {
		// transient status-source errors must not stop monitoring
		m.log.Warn("status poll failed", zap.Int("poll", poll), zap.Error(err))
		m.scheduleLocked(DelayFor(poll))
		return
	}
	newlyReady := m.mergeLocked(states)
	if newlyReady > 0 {
		m.log.Info("assets became streaming ready", zap.Int("count", newlyReady), zap.Int("poll", poll))
	}
	if len(m.processingIDsLocked()) > 0 {
		m.scheduleLocked(DelayFor(poll + 1))
		return
	}
	m.stopLocked()
	m.log.Info("status polling stopped", zap.String("org_id", org))
}

// mergeLocked folds fetched states into the cache and counts assets whose
// streamingReady flag flipped false to true.
func (m *Monitor) mergeLocked(states []model.AssetState) int {
	newlyReady := 0
	for _, st := range states {
		a, ok := m.assets[st.ID]
		if !ok {
			continue
		}
		if !a.StreamingReady && st.StreamingReady {
			newlyReady++
		}
		a.Status = st.Status
		a.StreamingReady = st.StreamingReady
	}
	return newlyReady
}
