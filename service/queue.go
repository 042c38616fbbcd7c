package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PromoForge-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeSceneGenerate   = "scene:generate"
	TypeSceneRegenerate = "scene:regenerate"
	TypeRenderDrive     = "render:drive"
)

type TaskPayload struct {
	ProjectID string `json:"project_id"`
	SceneID   string `json:"scene_id,omitempty"`
}

var QueueClient *asynq.Client

// InitQueue 初始化 asynq 客户端
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// AsynqEnqueuer TaskEnqueuer 的生产实现
type AsynqEnqueuer struct{}

func (AsynqEnqueuer) EnqueueSceneGenerate(projectID, sceneID string) error {
	return enqueue(TypeSceneGenerate, TaskPayload{ProjectID: projectID, SceneID: sceneID},
		asynq.MaxRetry(3),
		asynq.Timeout(20*time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

func (AsynqEnqueuer) EnqueueSceneRegenerate(projectID, sceneID string) error {
	// 重试循环自己管重试次数，队列层不再叠加重试
	return enqueue(TypeSceneRegenerate, TaskPayload{ProjectID: projectID, SceneID: sceneID},
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

func (AsynqEnqueuer) EnqueueRenderDrive(projectID string) error {
	return enqueue(TypeRenderDrive, TaskPayload{ProjectID: projectID},
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

func enqueue(taskType string, payload TaskPayload, opts ...asynq.Option) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	info, err := QueueClient.Enqueue(asynq.NewTask(taskType, b, opts...))
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] task enqueued: type=%s project=%s id=%s", taskType, payload.ProjectID, info.ID)
	return nil
}
