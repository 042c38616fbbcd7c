package service

import (
	"fmt"
	"time"

	"PromoForge-server/config"
	"PromoForge-server/models"
)

// GateThresholds 质量门禁参数
type GateThresholds struct {
	Approve        float64 // 达到即自动通过
	HardFail       float64 // 低于即判定 rejected
	MinOverall     float64 // 项目整体分下限
	MajorAllowance int     // major 问题容忍数量
}

func GateThresholdsFromConfig(c *config.Config) GateThresholds {
	return GateThresholds{
		Approve:        c.Quality.ApproveThreshold,
		HardFail:       c.Quality.HardFailThreshold,
		MinOverall:     c.Quality.MinOverallScore,
		MajorAllowance: c.Quality.MajorIssueAllowance,
	}
}

// SceneGateStatus 单场景在门禁视角下的状态。
// 用户手动通过优先于一切分数判断。
func SceneGateStatus(s *models.Scene, th GateThresholds) string {
	if s.Approved {
		return models.SceneGateApproved
	}
	if s.Analysis == nil {
		return models.SceneGatePending
	}
	// 分析服务的 critical_fail 结论一票否决，分数再高也不放行
	if s.Analysis.Recommendation == models.RecommendationCriticalFail {
		return models.SceneGateRejected
	}
	score := s.Analysis.OverallScore
	if score >= th.Approve {
		return models.SceneGateApproved
	}
	if score < th.HardFail {
		return models.SceneGateRejected
	}
	return models.SceneGateNeedsReview
}

// EvaluateQuality 把当前所有场景的分析与人工标记聚合成项目级报告。
// 纯函数：不做任何 I/O，不会失败；阻塞原因逐条累积而不是由单一分数推导。
// 不变量：CanRender == (len(BlockingReasons) == 0)
func EvaluateQuality(scenes []models.Scene, th GateThresholds) *models.QualityReport {
	report := &models.QualityReport{
		BlockingReasons: []string{},
		GeneratedAt:     time.Now(),
	}

	analyzed := 0
	var scoreSum float64
	for i := range scenes {
		s := &scenes[i]
		switch SceneGateStatus(s, th) {
		case models.SceneGateApproved:
			report.ApprovedScenes++
		case models.SceneGateRejected:
			report.RejectedScenes++
		case models.SceneGateNeedsReview:
			report.NeedsReviewCount++
		default:
			report.PendingScenes++
		}
		if s.Analysis != nil {
			analyzed++
			scoreSum += s.Analysis.OverallScore
			for _, issue := range s.Analysis.Issues {
				switch issue.Severity {
				case models.SeverityCritical:
					report.CriticalIssues++
				case models.SeverityMajor:
					report.MajorIssues++
				}
			}
		}
	}

	if analyzed > 0 {
		report.OverallScore = scoreSum / float64(analyzed)
	}

	// “从未分析过”本身就是阻塞原因，绝不静默当作通过
	if analyzed == 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			"no scene has been quality-analyzed yet")
	}
	if report.RejectedScenes > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d scene(s) rejected (score below %.0f)", report.RejectedScenes, th.HardFail))
	}
	if report.NeedsReviewCount > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d scene(s) need human review", report.NeedsReviewCount))
	}
	// 未分析的场景同样阻塞（分析服务不可用时不得伪造分数放行）
	if analyzed > 0 && report.PendingScenes > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d scene(s) not yet analyzed", report.PendingScenes))
	}
	if analyzed > 0 && report.OverallScore < th.MinOverall {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("overall score %.1f below minimum %.0f", report.OverallScore, th.MinOverall))
	}
	if report.CriticalIssues > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d critical issue(s) present", report.CriticalIssues))
	}
	if report.MajorIssues > th.MajorAllowance {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d major issues exceed allowance of %d", report.MajorIssues, th.MajorAllowance))
	}

	report.CanRender = len(report.BlockingReasons) == 0
	return report
}
