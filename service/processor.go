package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"PromoForge-server/config"

	"github.com/hibiken/asynq"
)

// Processor 消费队列任务，把慢速的外部调用挪到 HTTP 请求路径之外。
// 所有任务状态都在数据库行里，worker 重启后任务重新入队即可续跑。
type Processor struct {
	Orch *Orchestrator
}

func NewProcessor(orch *Orchestrator) *Processor {
	return &Processor{Orch: orch}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSceneGenerate, p.HandleSceneGenerate)
	mux.HandleFunc(TypeSceneRegenerate, p.HandleSceneRegenerate)
	mux.HandleFunc(TypeRenderDrive, p.HandleRenderDrive)

	log.Printf("Starting Task Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

func decodePayload(t *asynq.Task) (TaskPayload, error) {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}

// HandleSceneGenerate 场景素材生成（项目创建时 fan-out 出来的子任务）
func (p *Processor) HandleSceneGenerate(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	log.Printf("[Generate] scene %s (project %s)", payload.SceneID, payload.ProjectID)
	if err := p.Orch.GenerateSceneAssets(ctx, payload.ProjectID, payload.SceneID); err != nil {
		log.Printf("[Generate] scene %s failed: %v", payload.SceneID, err)
		return err // 让 asynq 按 MaxRetry 重试瞬时故障
	}
	return nil
}

// HandleSceneRegenerate 质量修复：重生成引擎的有界重试循环在这里同步跑完
func (p *Processor) HandleSceneRegenerate(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	log.Printf("[Regen] scene %s (project %s)", payload.SceneID, payload.ProjectID)
	_, err = p.Orch.Regen.Regenerate(ctx, payload.ProjectID, payload.SceneID)
	if errors.Is(err, ErrSceneEscalated) {
		// 升级是正常出口，不算任务失败
		return nil
	}
	if err != nil {
		log.Printf("[Regen] scene %s failed: %v", payload.SceneID, err)
	}
	return nil // 业务失败不重试，重试策略归引擎管
}

// HandleRenderDrive 渲染驱动：standard 轮询后端，chunked 跑分块调度
func (p *Processor) HandleRenderDrive(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	log.Printf("[Render] driving project %s", payload.ProjectID)
	if err := p.Orch.DriveRender(ctx, payload.ProjectID); err != nil {
		log.Printf("[Render] drive project %s failed: %v", payload.ProjectID, err)
	}
	return nil
}
