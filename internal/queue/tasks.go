package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TaskTranscode is scheduled once a media upload is verified in storage.
	TaskTranscode = "media:transcode"
	// TaskDetectEvents runs the optional event-detection stage.
	TaskDetectEvents = "media:detect_events"
)

// ProcessPayload is serialized into the task payload so workers know which
// object to pull from storage.
type ProcessPayload struct {
	MediaID     string `json:"media_id"`
	OrgID       string `json:"org_id"`
	StoragePath string `json:"storage_path"`
}

// EnqueueTranscode enqueues a transcode job for a verified upload.
func EnqueueTranscode(ctx context.Context, client *asynq.Client, payload ProcessPayload) (*asynq.TaskInfo, error) {
	return enqueue(ctx, client, TaskTranscode, payload)
}

// EnqueueDetectEvents enqueues the event-detection stage.
func EnqueueDetectEvents(ctx context.Context, client *asynq.Client, payload ProcessPayload) (*asynq.TaskInfo, error) {
	return enqueue(ctx, client, TaskDetectEvents, payload)
}

func enqueue(ctx context.Context, client *asynq.Client, name string, payload ProcessPayload) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(name, data)
	info, err := client.EnqueueContext(ctx, task, asynq.TaskID(uuid.NewString()), asynq.MaxRetry(5))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s task: %w", name, err)
	}
	return info, nil
}
