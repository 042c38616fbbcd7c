package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"PromoForge-server/models"

	"github.com/google/uuid"
)

var (
	// ErrRenderBlocked 质量门禁拒绝渲染。这是策略决定，不是故障。
	ErrRenderBlocked = errors.New("render blocked by quality gate")
	// ErrInvalidTransition 非法的状态机转移请求
	ErrInvalidTransition = errors.New("invalid project state transition")
	// ErrAlreadyRendering 项目已有渲染在进行，新请求被拒绝
	ErrAlreadyRendering = errors.New("project is already rendering")
)

// 状态机转移表。draft → rendering 之类的跳跃永远非法。
var legalTransitions = map[string][]string{
	models.ProjectStatusDraft:     {models.ProjectStatusReady},
	models.ProjectStatusReady:     {models.ProjectStatusRendering},
	models.ProjectStatusRendering: {models.ProjectStatusComplete, models.ProjectStatusError},
	models.ProjectStatusError:     {models.ProjectStatusReady},
}

func transitionAllowed(from, to string) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskEnqueuer 后台任务入队（生产实现走 asynq，测试用假实现）
type TaskEnqueuer interface {
	EnqueueSceneGenerate(projectID, sceneID string) error
	EnqueueSceneRegenerate(projectID, sceneID string) error
	EnqueueRenderDrive(projectID string) error
}

// Orchestrator 项目状态机：唯一有权改项目状态的组件。
// 多进程部署下不依赖内存锁，每次转移前都从存储重读当前状态
// （乐观 check-then-act），同一项目同一时刻只允许一个转移生效。
type Orchestrator struct {
	Store    ProjectStore
	Gateway  AssetGateway
	Analyzer QualityAnalyzer
	Backend  RenderBackend
	Tracker  *Tracker
	Regen    *RegenEngine
	Chunks   *ChunkRunner
	Queue    TaskEnqueuer

	Thresholds    GateThresholds
	CompositionID string

	ChunkThresholdSec   float64
	BackendHardLimitSec float64
	RenderTimeFactor    float64
	PollInterval        time.Duration
}

// transition 执行一次状态转移：重读当前状态、校验合法性、留快照、落库。
// mutate 在存盘前对项目做附带修改（写入/清除渲染元数据等）。
func (o *Orchestrator) transition(projectID, to, note string, mutate func(*models.Project)) (*models.Project, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(p.Status, to) {
		if p.Status == models.ProjectStatusRendering && to == models.ProjectStatusRendering {
			return p, ErrAlreadyRendering
		}
		return p, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.PushHistory(note)
	p.Status = to
	if mutate != nil {
		mutate(p)
	}
	if err := o.Store.SaveProject(p); err != nil {
		return nil, err
	}
	log.Printf("[State] project %s: %s (%s)", projectID, to, note)
	return p, nil
}

// ============================================================================
// 控制面：上层 CRUD 服务消费的五个操作
// ============================================================================

// RequestRender 渲染请求。只有 ready 项目可渲染，且必须过质量门禁；
// force 是管理员越权开关，跳过门禁但留日志。
func (o *Orchestrator) RequestRender(ctx context.Context, projectID string, force bool) (*models.Project, *models.QualityReport, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, nil, err
	}
	switch p.Status {
	case models.ProjectStatusReady:
	case models.ProjectStatusRendering:
		return p, p.QualityReport, ErrAlreadyRendering
	default:
		return p, nil, fmt.Errorf("%w: cannot render from %q", ErrInvalidTransition, p.Status)
	}

	scenes, err := o.Store.LoadScenes(projectID)
	if err != nil {
		return nil, nil, err
	}
	report := EvaluateQuality(scenes, o.Thresholds)
	p.QualityReport = report

	if !report.CanRender {
		if !force {
			if err := o.Store.SaveProject(p); err != nil {
				return nil, nil, err
			}
			return p, report, fmt.Errorf("%w: %s", ErrRenderBlocked, strings.Join(report.BlockingReasons, "; "))
		}
		log.Printf("[Render] ADMIN OVERRIDE on project %s, gate bypassed despite: %s",
			projectID, strings.Join(report.BlockingReasons, "; "))
	}

	method := models.RenderMethodStandard
	if ShouldChunk(p.TotalDuration, o.ChunkThresholdSec, o.BackendHardLimitSec, o.RenderTimeFactor) {
		method = models.RenderMethodChunked
	}

	now := time.Now()
	job := &models.RenderJob{
		ID:             uuid.NewString(),
		ProjectId:      projectID,
		Method:         method,
		Status:         models.RenderStatusDispatched,
		StartedAt:      now,
		LastProgressAt: now, // 停滞检测从派发时刻起算
		CreatedAt:      now,
	}
	if err := o.Store.SaveRenderJob(job); err != nil {
		return nil, nil, err
	}

	p, err = o.transition(projectID, models.ProjectStatusRendering, "render requested ("+method+")", func(p *models.Project) {
		p.RenderID = job.ID
		p.OutputURL = ""
		p.ErrorMessages = nil
		p.QualityReport = report
	})
	if err != nil {
		// 转移失败（大概率并发渲染请求抢先）：作废刚建的任务记录
		job.Status = models.RenderStatusSuperseded
		_ = o.Store.SaveRenderJob(job)
		return p, report, err
	}

	if o.Queue != nil {
		if err := o.Queue.EnqueueRenderDrive(projectID); err != nil {
			log.Printf("[Render] enqueue render drive failed: %v", err)
		}
	}
	return p, report, nil
}

// PollRenderStatus 查询当前渲染进度并推进 tracker 一步。
// 非 rendering 状态下是纯读操作。
func (o *Orchestrator) PollRenderStatus(ctx context.Context, projectID string) (*models.Project, *PollOutcome, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != models.ProjectStatusRendering {
		out := &PollOutcome{OutputURL: p.OutputURL}
		if p.Status == models.ProjectStatusComplete {
			out.Progress = 1
		}
		return p, out, nil
	}

	outcome, err := o.Tracker.PollOnce(ctx, p)
	if err != nil {
		return p, nil, err
	}
	p = o.applyOutcome(projectID, p, outcome)
	return p, outcome, nil
}

// applyOutcome 把 tracker 的结论落成状态转移
func (o *Orchestrator) applyOutcome(projectID string, p *models.Project, outcome *PollOutcome) *models.Project {
	switch outcome.Transition {
	case models.ProjectStatusComplete:
		if next, err := o.transition(projectID, models.ProjectStatusComplete, "render finished", func(p *models.Project) {
			p.OutputURL = outcome.OutputURL
			p.ErrorMessages = nil
		}); err == nil {
			return next
		} else if !errors.Is(err, ErrInvalidTransition) {
			log.Printf("[Render] apply complete failed: %v", err)
		}
	case models.ProjectStatusError:
		if next, err := o.transition(projectID, models.ProjectStatusError, "render failed", func(p *models.Project) {
			p.ErrorMessages = append(p.ErrorMessages, outcome.Messages...)
		}); err == nil {
			return next
		} else if !errors.Is(err, ErrInvalidTransition) {
			log.Printf("[Render] apply error failed: %v", err)
		}
	}
	return p
}

// RunQualityAnalysis 对所有已有素材的场景跑质量分析并重算门禁报告。
// 分析服务不可用时场景保持未分析（在报告里体现为 blocking），不伪造分数。
func (o *Orchestrator) RunQualityAnalysis(ctx context.Context, projectID string) (*models.Project, *models.QualityReport, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, nil, err
	}
	scenes, err := o.Store.LoadScenes(projectID)
	if err != nil {
		return nil, nil, err
	}

	for i := range scenes {
		s := &scenes[i]
		if !s.HasMedia() {
			continue
		}
		analysis, err := o.Analyzer.Analyze(ctx, s.MediaRef, s)
		if err != nil {
			if errors.Is(err, ErrAnalyzerUnavailable) {
				log.Printf("[Quality] analyzer unavailable, scene %s stays unanalyzed", s.ID)
				continue
			}
			log.Printf("[Quality] analyze scene %s failed: %v", s.ID, err)
			continue
		}
		s.SetAnalysis(analysis)
		if err := o.Store.SaveScene(s); err != nil {
			return nil, nil, err
		}
	}

	report := EvaluateQuality(scenes, o.Thresholds)
	p.QualityReport = report
	if err := o.Store.SaveProject(p); err != nil {
		return nil, nil, err
	}
	return p, report, nil
}

// RegenerateScene 把需要修复的场景交给重生成引擎（异步执行）。
// 已升级到人工复核的场景拒绝自动重生成。
func (o *Orchestrator) RegenerateScene(projectID, sceneID string) (*models.Project, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, err
	}
	scene, err := o.Store.LoadScene(projectID, sceneID)
	if err != nil {
		return nil, err
	}
	if scene.NeedsUserReview {
		return p, ErrSceneEscalated
	}

	scene.Status = models.SceneStatusRegenerating
	if err := o.Store.SaveScene(scene); err != nil {
		return nil, err
	}
	if o.Queue != nil {
		if err := o.Queue.EnqueueSceneRegenerate(projectID, sceneID); err != nil {
			return nil, fmt.Errorf("enqueue regenerate failed: %w", err)
		}
	}
	return p, nil
}

// ResetAfterError 错误后复位：丢弃渲染元数据、清空错误消息、作废旧渲染任务，
// 项目回到 ready 可再次渲染。幂等：已经是 ready 时第二次调用是 no-op。
func (o *Orchestrator) ResetAfterError(projectID string) (*models.Project, error) {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProjectStatusReady {
		return p, nil
	}
	if p.Status != models.ProjectStatusError {
		return p, fmt.Errorf("%w: reset from %q", ErrInvalidTransition, p.Status)
	}

	if err := o.Store.SupersedeRenderJobs(projectID); err != nil {
		return nil, err
	}
	return o.transition(projectID, models.ProjectStatusReady, "reset after error", func(p *models.Project) {
		p.ClearRenderMetadata()
	})
}

// ============================================================================
// 素材生成（draft → ready 的门槛）
// ============================================================================

// KickoffGeneration 为所有未生成素材的场景入队生成任务（fan-out）
func (o *Orchestrator) KickoffGeneration(projectID string) error {
	scenes, err := o.Store.LoadScenes(projectID)
	if err != nil {
		return err
	}
	for i := range scenes {
		s := &scenes[i]
		if s.HasMedia() || s.Status == models.SceneStatusGenerating {
			continue
		}
		s.Status = models.SceneStatusGenerating
		if err := o.Store.SaveScene(s); err != nil {
			return err
		}
		if o.Queue != nil {
			if err := o.Queue.EnqueueSceneGenerate(projectID, s.ID); err != nil {
				log.Printf("[Generate] enqueue scene %s failed: %v", s.ID, err)
			}
		}
	}
	return nil
}

// GenerateSceneAssets 生成单个场景的背景素材与配音（队列任务内调用）。
// 幂等：素材已就位的场景直接跳过生成，任务重试不会重复产出。
func (o *Orchestrator) GenerateSceneAssets(ctx context.Context, projectID, sceneID string) error {
	scene, err := o.Store.LoadScene(projectID, sceneID)
	if err != nil {
		return err
	}
	if scene.HasMedia() {
		return o.FinishGenerationIfComplete(ctx, projectID)
	}

	kind := mediaKindForScene(scene.SceneType)
	provider := ""
	if len(o.Regen.Providers) > 0 {
		provider = o.Regen.Providers[0]
	}

	mediaURL, err := o.Gateway.Generate(ctx, GenerateKindForMedia(kind), scene.VisualDirection, provider, map[string]interface{}{
		"scene_type":   scene.SceneType,
		"duration_sec": scene.DurationSec,
	})
	if err != nil {
		scene.Status = models.SceneStatusFailed
		_ = o.Store.SaveScene(scene)
		return fmt.Errorf("scene %s generation failed: %w", sceneID, err)
	}
	scene.ReplaceMedia(kind, mediaURL)

	if scene.Narration != "" {
		voiceURL, err := o.Gateway.Generate(ctx, GenerateKindVoice, scene.Narration, provider, nil)
		if err != nil {
			// 配音失败不拦住场景：背景素材已就位，配音可后补
			log.Printf("[Generate] voice for scene %s failed: %v", sceneID, err)
		} else {
			scene.VoiceURL = voiceURL
		}
	}

	if err := o.Store.SaveScene(scene); err != nil {
		return err
	}
	return o.FinishGenerationIfComplete(ctx, projectID)
}

// FinishGenerationIfComplete 所有场景素材就位后 draft → ready，
// 顺带按产品简介生成整片背景音乐（失败不拦转移，渲染时没有音乐而已）。
// 注意：生成完成与质量好坏无关，质量在渲染时由门禁判定。
func (o *Orchestrator) FinishGenerationIfComplete(ctx context.Context, projectID string) error {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return err
	}
	if p.Status != models.ProjectStatusDraft {
		return nil
	}
	scenes, err := o.Store.LoadScenes(projectID)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return nil
	}
	for i := range scenes {
		if !scenes[i].HasMedia() {
			return nil
		}
	}

	musicURL := p.MusicURL
	if musicURL == "" && p.ProductBrief != "" {
		provider := ""
		if len(o.Regen.Providers) > 0 {
			provider = o.Regen.Providers[0]
		}
		url, err := o.Gateway.Generate(ctx, GenerateKindMusic, p.ProductBrief, provider, map[string]interface{}{
			"duration_sec": p.TotalDuration,
		})
		if err != nil {
			log.Printf("[Generate] background music for project %s failed: %v", projectID, err)
		} else {
			musicURL = url
		}
	}

	_, err = o.transition(projectID, models.ProjectStatusReady, "all scene assets generated", func(p *models.Project) {
		p.MusicURL = musicURL
	})
	return err
}

func mediaKindForScene(sceneType string) string {
	switch sceneType {
	case models.SceneTypeDemo, models.SceneTypeTestimonial:
		return models.MediaKindVideo
	default:
		return models.MediaKindImage
	}
}

// ============================================================================
// 渲染驱动（队列任务内运行到终态）
// ============================================================================

// DriveRender 把已派发的渲染任务驱动到终态。standard：提交后端任务并
// 持续轮询；chunked：交给分块调度器跑完再统一转移。任务句柄与进度
// 全程落库，进程重启后重新入队即可续跑。
func (o *Orchestrator) DriveRender(ctx context.Context, projectID string) error {
	p, err := o.Store.LoadProject(projectID)
	if err != nil {
		return err
	}
	if p.Status != models.ProjectStatusRendering {
		log.Printf("[Render] drive skipped, project %s is %s", projectID, p.Status)
		return nil
	}
	job, err := o.Store.ActiveRenderJob(projectID)
	if err != nil {
		return err
	}
	if job == nil {
		_, err := o.transition(projectID, models.ProjectStatusError, "no active render job", func(p *models.Project) {
			p.ErrorMessages = append(p.ErrorMessages, "rendering with no active render job (inconsistent state)")
		})
		return err
	}

	// 绝对超时兜底：驱动协程最长只活到超时窗口之后一点
	driveCtx, cancel := context.WithTimeout(ctx, o.Tracker.Timeout+time.Minute)
	defer cancel()

	if job.Method == models.RenderMethodChunked {
		return o.driveChunked(driveCtx, p, job)
	}
	return o.driveStandard(driveCtx, p, job)
}

func (o *Orchestrator) driveStandard(ctx context.Context, p *models.Project, job *models.RenderJob) error {
	if job.BackendRenderID == "" {
		scenes, err := o.Store.LoadScenes(p.ID)
		if err != nil {
			return err
		}
		inputProps := map[string]interface{}{
			"project_id":   p.ID,
			"frame_rate":   p.FrameRate,
			"duration_sec": p.TotalDuration,
			"music_url":    p.MusicURL,
			"scenes":       sceneProps(scenes),
		}
		renderID, bucket, err := o.Backend.StartRender(ctx, o.CompositionID, inputProps)
		if err != nil {
			var te *ThrottleError
			if errors.As(err, &te) {
				// 限流：退避后重试一次，再失败才算失败
				sleepCtx(ctx, te.RetryAfter)
				renderID, bucket, err = o.Backend.StartRender(ctx, o.CompositionID, inputProps)
			}
			if err != nil {
				job.Status = models.RenderStatusFailed
				job.Errors = append(job.Errors, err.Error())
				_ = o.Store.SaveRenderJob(job)
				_ = o.failProject(p.ID, err.Error())
				return nil
			}
		}
		job.BackendRenderID = renderID
		job.BackendBucket = bucket
		job.Status = models.RenderStatusRendering
		if err := o.Store.SaveRenderJob(job); err != nil {
			return err
		}
		// 渲染元数据补全进项目行
		fresh, err := o.Store.LoadProject(p.ID)
		if err == nil && fresh.Status == models.ProjectStatusRendering {
			fresh.RenderBucket = bucket
			_ = o.Store.SaveProject(fresh)
		}
	}

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 驱动协程到点退场；绝对超时由下一次 PollRenderStatus 判定
			return nil
		case <-ticker.C:
			fresh, err := o.Store.LoadProject(p.ID)
			if err != nil {
				return err
			}
			if fresh.Status != models.ProjectStatusRendering {
				return nil
			}
			outcome, err := o.Tracker.PollOnce(ctx, fresh)
			if err != nil {
				log.Printf("[Render] poll failed: %v", err)
				continue
			}
			if outcome.Throttled {
				sleepCtx(ctx, outcome.RetryAfter)
				continue
			}
			if outcome.Transition != "" {
				o.applyOutcome(p.ID, fresh, outcome)
				return nil
			}
		}
	}
}

func (o *Orchestrator) driveChunked(ctx context.Context, p *models.Project, job *models.RenderJob) error {
	scenes, err := o.Store.LoadScenes(p.ID)
	if err != nil {
		return err
	}

	url, err := o.Chunks.Run(ctx, p, scenes, job)
	if err != nil {
		job.Status = models.RenderStatusFailed
		job.Errors = append(job.Errors, err.Error())
		if saveErr := o.Store.SaveRenderJob(job); saveErr != nil {
			log.Printf("[Render] persist failed chunked job: %v", saveErr)
		}
		// 部分成功一律作废：要么整片成品，要么明确失败
		return o.failProject(p.ID, err.Error())
	}

	job.Status = models.RenderStatusComplete
	job.Progress = 1
	job.OutputURL = url
	if err := o.Store.SaveRenderJob(job); err != nil {
		return err
	}
	_, err = o.transition(p.ID, models.ProjectStatusComplete, "chunked render stitched", func(p *models.Project) {
		p.OutputURL = url
		p.ErrorMessages = nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		// 项目已被 reset：成品迟到，丢弃转移但保留任务行里的产物
		log.Printf("[Render] late chunked completion for project %s dropped", p.ID)
		return nil
	}
	return err
}

func (o *Orchestrator) failProject(projectID, message string) error {
	_, err := o.transition(projectID, models.ProjectStatusError, "render failed", func(p *models.Project) {
		p.ErrorMessages = append(p.ErrorMessages, message)
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}
