package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 质量分析结论（分析服务给出的处置建议）
const (
	RecommendationApproved     = "approved"
	RecommendationNeedsReview  = "needs_review"
	RecommendationRegenerate   = "regenerate"
	RecommendationCriticalFail = "critical_fail"
)

// 问题严重级别
const (
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// 场景在门禁视角下的状态（派生值，不入库）
const (
	SceneGateApproved    = "approved"
	SceneGateNeedsReview = "needs_review"
	SceneGateRejected    = "rejected"
	SceneGatePending     = "pending"
)

type QualityIssue struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// QualityAnalysis 一次针对场景当前素材的质量评估。生成后不可修改；
// 素材重生成后由新的分析整体取代。
type QualityAnalysis struct {
	TechnicalScore       float64        `json:"technical_score"`
	ContentMatchScore    float64        `json:"content_match_score"`
	BrandComplianceScore float64        `json:"brand_compliance_score"`
	CompositionScore     float64        `json:"composition_score"`
	OverallScore         float64        `json:"overall_score"` // 0-100
	Issues               []QualityIssue `json:"issues"`
	Recommendation       string         `json:"recommendation"`
	AnalyzedAt           time.Time      `json:"analyzed_at"`
}

func (a QualityAnalysis) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *QualityAnalysis) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, a)
}

// QualityReport 项目级聚合报告，永远整体重算、整体替换，不做增量更新。
// CanRender 与 BlockingReasons 的关系是硬不变量：
// CanRender == (len(BlockingReasons) == 0)
type QualityReport struct {
	OverallScore     float64   `json:"overall_score"`
	ApprovedScenes   int       `json:"approved_scenes"`
	NeedsReviewCount int       `json:"needs_review_scenes"`
	RejectedScenes   int       `json:"rejected_scenes"`
	PendingScenes    int       `json:"pending_scenes"`
	CriticalIssues   int       `json:"critical_issues"`
	MajorIssues      int       `json:"major_issues"`
	BlockingReasons  []string  `json:"blocking_reasons"`
	CanRender        bool      `json:"can_render"`
	GeneratedAt      time.Time `json:"generated_at"`
}

func (r QualityReport) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *QualityReport) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}
