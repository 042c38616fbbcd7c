package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"PromoForge-server/models"
)

// RenderHealth 健康检查结论
type RenderHealth struct {
	Healthy bool
	Reason  string // 不健康时的错误消息（超时/停滞，带经过时长）
}

// EvaluateRenderHealth 对照落库的计时字段判断渲染任务是否还活着。
// 超时与停滞是两种不同的故障：前者是总时长见顶，后者是进度长时间不动
// （即使绝对超时还没到）。纯函数，方便在没有后端的情况下测试。
func EvaluateRenderHealth(job *models.RenderJob, now time.Time, timeout, stallWindow time.Duration) RenderHealth {
	if !job.StartedAt.IsZero() {
		if elapsed := now.Sub(job.StartedAt); elapsed > timeout {
			return RenderHealth{
				Reason: fmt.Sprintf("render timed out after %s (limit %s)",
					elapsed.Round(time.Second), timeout),
			}
		}
	}
	if !job.LastProgressAt.IsZero() {
		if idle := now.Sub(job.LastProgressAt); idle > stallWindow {
			return RenderHealth{
				Reason: fmt.Sprintf("render stalled at %.0f%% for %s (stall window %s)",
					job.LastProgress*100, idle.Round(time.Second), stallWindow),
			}
		}
	}
	return RenderHealth{Healthy: true}
}

// PollOutcome 一次轮询后 tracker 希望状态机执行的动作
type PollOutcome struct {
	Transition string // "" / models.ProjectStatusComplete / models.ProjectStatusError
	Progress   float64
	OutputURL  string
	Messages   []string
	Throttled  bool
	RetryAfter time.Duration
}

// Tracker 渲染状态跟踪：把缓慢、不可靠、只能轮询的外部渲染任务
// 折算成明确的项目状态动作。计时状态全部在 render_job 行上，
// 进程重启不会把超时计时清零。
type Tracker struct {
	Backend     RenderBackend
	Store       ProjectStore
	Timeout     time.Duration
	StallWindow time.Duration
}

// PollOnce 推进一次状态跟踪。不直接改项目状态（单一状态机原则），
// 由 orchestrator 拿 PollOutcome 去执行转移。
func (t *Tracker) PollOnce(ctx context.Context, project *models.Project) (*PollOutcome, error) {
	job, err := t.Store.ActiveRenderJob(project.ID)
	if err != nil {
		return nil, err
	}
	// 迟到信号容忍：reset 后旧任务可能还在跑，句柄对不上就丢弃
	if job != nil && project.RenderID != "" && project.RenderID != job.ID {
		log.Printf("[Render] dropping status for orphaned render job %s (active is %s)", job.ID, project.RenderID)
		return &PollOutcome{}, nil
	}
	if job == nil && project.RenderID != "" {
		// 任务行可能已经进了终态（chunked 调度器先落任务行再转移项目），
		// 按项目上的句柄补读一次
		job, _ = t.Store.LoadRenderJob(project.RenderID)
	}
	if job == nil {
		// rendering 状态却没有任何渲染任务：不变量被破坏，立刻转 error
		// 而不是让用户面对永远的“进行中”
		return &PollOutcome{
			Transition: models.ProjectStatusError,
			Messages:   []string{"rendering with no active render job (inconsistent state)"},
		}, nil
	}

	now := time.Now()

	if job.Method == models.RenderMethodStandard {
		if out, handled := t.pollBackend(ctx, job, now); handled {
			return out, nil
		}
	} else {
		// chunked：进度由调度器聚合推入任务行，这里只看落库状态
		switch job.Status {
		case models.RenderStatusComplete:
			return &PollOutcome{
				Transition: models.ProjectStatusComplete,
				Progress:   1,
				OutputURL:  job.OutputURL,
			}, nil
		case models.RenderStatusFailed:
			return &PollOutcome{
				Transition: models.ProjectStatusError,
				Messages:   job.Errors,
			}, nil
		}
	}

	// 终态未到，检查超时/停滞
	if health := EvaluateRenderHealth(job, now, t.Timeout, t.StallWindow); !health.Healthy {
		job.Status = models.RenderStatusFailed
		job.Errors = append(job.Errors, health.Reason)
		if err := t.Store.SaveRenderJob(job); err != nil {
			log.Printf("[Render] persist failed job state: %v", err)
		}
		return &PollOutcome{
			Transition: models.ProjectStatusError,
			Messages:   []string{health.Reason},
		}, nil
	}

	return &PollOutcome{Progress: job.Progress}, nil
}

// pollBackend 查询标准渲染的后端进度并落库。
// handled=true 表示已经得出结论（终态或限流），无需再做健康检查。
func (t *Tracker) pollBackend(ctx context.Context, job *models.RenderJob, now time.Time) (*PollOutcome, bool) {
	progress, err := t.Backend.GetProgress(ctx, job.BackendRenderID, job.BackendBucket)
	if err != nil {
		var te *ThrottleError
		if errors.As(err, &te) {
			// 限流不是失败：原样上报“未完成、无错误”，带建议的重试间隔
			return &PollOutcome{
				Progress:   job.Progress,
				Throttled:  true,
				RetryAfter: te.RetryAfter,
			}, true
		}
		// 网络抖动留给下一轮；持续打不通最终会被超时检测兜住
		log.Printf("[Render] poll error for job %s (will retry): %v", job.ID, err)
		return nil, false
	}

	if progress.Done {
		job.Status = models.RenderStatusComplete
		job.Progress = 1
		job.OutputURL = progress.OutputURL
		if err := t.Store.SaveRenderJob(job); err != nil {
			log.Printf("[Render] persist completed job failed: %v", err)
		}
		return &PollOutcome{
			Transition: models.ProjectStatusComplete,
			Progress:   1,
			OutputURL:  progress.OutputURL,
		}, true
	}
	if len(progress.Errors) > 0 {
		// 后端报错原文全部保留，不做归纳改写
		job.Status = models.RenderStatusFailed
		job.Errors = append(job.Errors, progress.Errors...)
		if err := t.Store.SaveRenderJob(job); err != nil {
			log.Printf("[Render] persist failed job failed: %v", err)
		}
		return &PollOutcome{
			Transition: models.ProjectStatusError,
			Messages:   progress.Errors,
		}, true
	}

	job.TouchProgress(progress.Progress, now)
	if err := t.Store.SaveRenderJob(job); err != nil {
		log.Printf("[Render] persist progress failed: %v", err)
	}
	return nil, false
}
