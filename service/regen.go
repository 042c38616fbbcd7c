package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"PromoForge-server/models"

	"github.com/google/uuid"
)

// ErrSceneEscalated 场景已进入人工复核队列，自动重生成被拒绝，
// 直到有人批准现状或给出修正后的 prompt
var ErrSceneEscalated = errors.New("scene escalated to human review")

// 重生成策略名
const (
	StrategyRetry          = "retry"
	StrategyProviderSwitch = "provider_switch"
	StrategyPromptSimplify = "prompt_simplify"
	StrategyManual         = "manual"
)

// RegenStrategy 某一次尝试要改什么
type RegenStrategy struct {
	Name           string
	SwitchProvider bool
	SimplifyPrompt bool
}

// StrategyForAttempt 按尝试序号（1 起）给出逐步升级的策略：
// 先按瞬时故障假设原样重试，再换服务商，最后简化 prompt 并再换一次服务商。
// 重试计数和策略选择只定义在这一处，不允许调用点各写一套。
func StrategyForAttempt(attempt int) RegenStrategy {
	switch {
	case attempt <= 1:
		return RegenStrategy{Name: StrategyRetry}
	case attempt == 2:
		return RegenStrategy{Name: StrategyProviderSwitch, SwitchProvider: true}
	default:
		return RegenStrategy{Name: StrategyPromptSimplify, SwitchProvider: true, SimplifyPrompt: true}
	}
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	multiSpace    = regexp.MustCompile(`\s+`)
)

// SimplifyPrompt 削减 prompt 复杂度：去掉括号插入语，
// 按逗号裁掉后半的修饰从句（保留前三段）。确定性改写，不调用任何模型。
func SimplifyPrompt(prompt string) string {
	s := parenthetical.ReplaceAllString(prompt, " ")
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	s = strings.Join(parts, ", ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// RegenEngine 场景重生成与升级引擎
type RegenEngine struct {
	Store       ProjectStore
	Gateway     AssetGateway
	Analyzer    QualityAnalyzer
	Providers   []string // 可用生成服务商，按优先级
	MaxAttempts int
	HardFail    float64 // 低于该分即本次尝试失败
}

// Regenerate 对一个场景跑完整的有界重试循环（单场景内同步；
// 多场景由队列并发调度）。成功：替换素材、写入新分析、清除复核标记。
// 策略耗尽：场景标记 needsUserReview 并进入复核队列，返回 ErrSceneEscalated。
func (e *RegenEngine) Regenerate(ctx context.Context, projectID, sceneID string) (*models.Scene, error) {
	scene, err := e.Store.LoadScene(projectID, sceneID)
	if err != nil {
		return nil, err
	}
	if scene.NeedsUserReview {
		return scene, ErrSceneEscalated
	}

	scene.Status = models.SceneStatusRegenerating
	if err := e.Store.SaveScene(scene); err != nil {
		return nil, err
	}

	for scene.RegenAttempts < e.MaxAttempts {
		attempt := scene.RegenAttempts + 1
		strategy := StrategyForAttempt(attempt)

		prompt := scene.VisualDirection
		if strategy.SimplifyPrompt {
			prompt = SimplifyPrompt(prompt)
		}
		provider := e.providerForAttempt(attempt, strategy)

		log.Printf("[Regen] scene %s attempt %d strategy=%s provider=%s", sceneID, attempt, strategy.Name, provider)

		record := models.AttemptRecord{
			Attempt:  attempt,
			Strategy: strategy.Name,
			Provider: provider,
			Prompt:   prompt,
			At:       time.Now(),
		}

		ok, err := e.tryOnce(ctx, scene, prompt, provider, &record)
		scene.RegenAttempts = attempt
		scene.AttemptLog = append(scene.AttemptLog, record)
		if saveErr := e.Store.SaveScene(scene); saveErr != nil {
			return nil, saveErr
		}
		if err != nil {
			// 协作服务挂了：攒进尝试记录继续下一策略，不向上抛
			log.Printf("[Regen] scene %s attempt %d error: %v", sceneID, attempt, err)
			continue
		}
		if ok {
			scene.Status = models.SceneStatusGenerated
			scene.NeedsUserReview = false
			// 计数器按失败周期归零：下一轮失败从完整的策略阶梯重新开始，
			// AttemptLog 保留全部历史用于审计
			scene.RegenAttempts = 0
			if err := e.Store.SaveScene(scene); err != nil {
				return nil, err
			}
			if err := e.Store.ResolveReview(projectID, sceneID); err != nil {
				log.Printf("[Regen] resolve review failed: %v", err)
			}
			log.Printf("[Regen] scene %s repaired on attempt %d", sceneID, attempt)
			return scene, nil
		}
	}

	return e.escalate(scene)
}

// RegenerateManual 人工复核给出修正 prompt 后的一次额外尝试。
// 成功则场景恢复正常流转；失败保持 needsUserReview，等待下一次人工决策。
func (e *RegenEngine) RegenerateManual(ctx context.Context, projectID, sceneID, correctedPrompt string) (*models.Scene, error) {
	scene, err := e.Store.LoadScene(projectID, sceneID)
	if err != nil {
		return nil, err
	}
	if !scene.NeedsUserReview {
		return nil, fmt.Errorf("scene %s is not awaiting review", sceneID)
	}

	provider := e.Providers[0]
	record := models.AttemptRecord{
		Attempt:  scene.RegenAttempts + 1,
		Strategy: StrategyManual,
		Provider: provider,
		Prompt:   correctedPrompt,
		At:       time.Now(),
	}
	ok, err := e.tryOnce(ctx, scene, correctedPrompt, provider, &record)
	scene.RegenAttempts++
	scene.AttemptLog = append(scene.AttemptLog, record)
	if err != nil || !ok {
		_ = e.Store.SaveScene(scene)
		return scene, fmt.Errorf("manual regeneration did not pass quality: attempt logged")
	}

	scene.VisualDirection = correctedPrompt
	scene.Status = models.SceneStatusGenerated
	scene.NeedsUserReview = false
	scene.RegenAttempts = 0
	if err := e.Store.SaveScene(scene); err != nil {
		return nil, err
	}
	if err := e.Store.ResolveReview(projectID, sceneID); err != nil {
		log.Printf("[Regen] resolve review failed: %v", err)
	}
	return scene, nil
}

// tryOnce 一次尝试：生成 → 分析 → 对照硬线。成功时替换素材并写入分析。
func (e *RegenEngine) tryOnce(ctx context.Context, scene *models.Scene, prompt, provider string, record *models.AttemptRecord) (bool, error) {
	kind := scene.MediaKind
	if kind == models.MediaKindNone {
		kind = models.MediaKindImage
	}

	mediaURL, err := e.Gateway.Generate(ctx, GenerateKindForMedia(kind), prompt, provider, map[string]interface{}{
		"scene_type":   scene.SceneType,
		"duration_sec": scene.DurationSec,
	})
	if err != nil {
		record.Error = err.Error()
		return false, fmt.Errorf("generation failed: %w", err)
	}

	analysis, err := e.Analyzer.Analyze(ctx, mediaURL, scene)
	if err != nil {
		record.Error = err.Error()
		// 分析不可用时不伪造分数，也不能当成功：这次尝试作废
		return false, fmt.Errorf("analysis failed: %w", err)
	}

	record.Score = analysis.OverallScore
	for _, issue := range analysis.Issues {
		record.Issues = append(record.Issues, issue.Description)
	}

	if analysis.OverallScore < e.HardFail || analysis.Recommendation == models.RecommendationCriticalFail {
		return false, nil
	}

	scene.ReplaceMedia(kind, mediaURL)
	scene.SetAnalysis(analysis)
	return true, nil
}

func (e *RegenEngine) escalate(scene *models.Scene) (*models.Scene, error) {
	scene.Status = models.SceneStatusFailed
	scene.NeedsUserReview = true
	if err := e.Store.SaveScene(scene); err != nil {
		return nil, err
	}

	// 复核条目只带本周期的尝试；更早的周期留在场景的 AttemptLog 里
	cycle := scene.AttemptLog
	if len(cycle) > scene.RegenAttempts {
		cycle = cycle[len(cycle)-scene.RegenAttempts:]
	}
	item := &models.ReviewItem{
		ID:        uuid.NewString(),
		ProjectId: scene.ProjectId,
		SceneId:   scene.ID,
		Reason: fmt.Sprintf("automatic regeneration exhausted after %d attempts (%s)",
			scene.RegenAttempts, strategyNames(cycle)),
		AttemptsUsed: scene.RegenAttempts,
		Attempts:     cycle,
	}
	if err := e.Store.EnqueueReview(item); err != nil {
		return nil, fmt.Errorf("enqueue review failed: %w", err)
	}
	log.Printf("[Regen] scene %s escalated to human review after %d attempts", scene.ID, scene.RegenAttempts)
	return scene, ErrSceneEscalated
}

func (e *RegenEngine) providerForAttempt(attempt int, strategy RegenStrategy) string {
	if len(e.Providers) == 0 {
		return ""
	}
	if !strategy.SwitchProvider {
		return e.Providers[0]
	}
	// 每次切换顺延一个服务商，绕一圈回到头
	return e.Providers[(attempt-1)%len(e.Providers)]
}

func strategyNames(attempts models.AttemptList) string {
	names := make([]string, 0, len(attempts))
	for _, a := range attempts {
		names = append(names, a.Strategy)
	}
	return strings.Join(names, ", ")
}
