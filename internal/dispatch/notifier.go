// Package dispatch implements the completion notifier: after the client-side
// transfer finishes it verifies the object in storage and enqueues the
// server-side processing stages.
package dispatch

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/model"
	"github.com/matchlens/clipsync/internal/queue"
	"github.com/matchlens/clipsync/internal/transfer"
)

// Notifier verifies a completed upload and dispatches processing for it.
type Notifier struct {
	store  *transfer.Store
	client *asynq.Client
	bucket string
	log    *zap.Logger
}

// NewNotifier constructs a Notifier bound to the media bucket.
func NewNotifier(store *transfer.Store, client *asynq.Client, bucket string, log *zap.Logger) *Notifier {
	return &Notifier{store: store, client: client, bucket: bucket, log: log}
}

// CompleteUpload checks the object exists and is non-empty, then enqueues the
// transcode and event-detection stages. Called exactly once per completed job.
func (n *Notifier) CompleteUpload(ctx context.Context, mediaID, orgID, storagePath string) (*model.DispatchReceipt, error) {
	info, err := n.store.Stat(ctx, n.bucket, storagePath)
	if err != nil {
		return nil, fmt.Errorf("verify uploaded object: %w", err)
	}
	if info.Size == 0 {
		return nil, fmt.Errorf("uploaded object %s is empty", storagePath)
	}

	payload := queue.ProcessPayload{MediaID: mediaID, OrgID: orgID, StoragePath: storagePath}
	transcode, err := queue.EnqueueTranscode(ctx, n.client, payload)
	if err != nil {
		return nil, err
	}
	detect, err := queue.EnqueueDetectEvents(ctx, n.client, payload)
	if err != nil {
		return nil, err
	}
	n.log.Info("processing dispatched",
		zap.String("media_id", mediaID),
		zap.String("org_id", orgID),
		zap.String("transcode_task", transcode.ID),
		zap.String("detect_task", detect.ID))
	return &model.DispatchReceipt{JobID: transcode.ID, DispatchMessageID: detect.ID}, nil
}
