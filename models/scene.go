package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 场景类型（封闭枚举）
const (
	SceneTypeHook        = "hook"
	SceneTypeProblem     = "problem"
	SceneTypeBenefit     = "benefit"
	SceneTypeDemo        = "demo"
	SceneTypeTestimonial = "testimonial"
	SceneTypeSocialProof = "social_proof"
	SceneTypeCTA         = "cta"
)

// 场景素材生成状态
const (
	SceneStatusPending      = "pending"
	SceneStatusGenerating   = "generating"
	SceneStatusGenerated    = "generated"
	SceneStatusRegenerating = "regenerating"
	SceneStatusFailed       = "failed"
)

// 场景背景素材只有一种形态：图片或视频（tagged variant，
// 避免两个可空 URL 字段各自漂移）
const (
	MediaKindNone  = ""
	MediaKindImage = "image"
	MediaKindVideo = "video"
)

type Scene struct {
	ID              string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId       string  `gorm:"index" json:"projectId"`
	OrderIndex      int     `json:"order"`
	SceneType       string  `json:"sceneType"`
	DurationSec     float64 `json:"durationSec"`
	Narration       string  `json:"narration"`
	VisualDirection string  `json:"visualDirection"`
	Status          string  `json:"status"`

	// 当前背景素材（variant），重生成时整体替换，旧引用进 Alternatives
	MediaKind string `json:"mediaKind"`
	MediaRef  string `json:"mediaRef"`
	VoiceURL  string `json:"voiceUrl"`

	Alternatives MediaList        `gorm:"type:json" json:"alternatives"`
	Analysis     *QualityAnalysis `gorm:"type:json" json:"analysis"`
	// QualityScore 非空时必须等于 Analysis.OverallScore
	QualityScore *float64 `json:"qualityScore"`

	Approved        bool `json:"approved"`
	NeedsUserReview bool `json:"needsUserReview"`

	RegenAttempts int         `json:"regenAttempts"`
	AttemptLog    AttemptList `gorm:"type:json" json:"attemptLog"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

func IsSceneType(t string) bool {
	switch t {
	case SceneTypeHook, SceneTypeProblem, SceneTypeBenefit, SceneTypeDemo,
		SceneTypeTestimonial, SceneTypeSocialProof, SceneTypeCTA:
		return true
	}
	return false
}

// HasMedia 背景素材是否已生成
func (s *Scene) HasMedia() bool {
	return s.MediaKind != MediaKindNone && s.MediaRef != ""
}

// ReplaceMedia 替换背景素材：旧引用保留到 Alternatives，
// 同时作废已有的质量分析（媒体变了，旧分析即过期）
func (s *Scene) ReplaceMedia(kind, ref string) {
	if s.HasMedia() {
		s.Alternatives = append(s.Alternatives, MediaVariant{
			Kind:       s.MediaKind,
			Ref:        s.MediaRef,
			ReplacedAt: time.Now(),
		})
	}
	s.MediaKind = kind
	s.MediaRef = ref
	s.Analysis = nil
	s.QualityScore = nil
	s.Status = SceneStatusGenerated
}

// SetAnalysis 记录新的质量分析并同步派生分数
func (s *Scene) SetAnalysis(a *QualityAnalysis) {
	s.Analysis = a
	if a == nil {
		s.QualityScore = nil
		return
	}
	score := a.OverallScore
	s.QualityScore = &score
}

type MediaVariant struct {
	Kind       string    `json:"kind"`
	Ref        string    `json:"ref"`
	ReplacedAt time.Time `json:"replaced_at"`
}

type MediaList []MediaVariant

func (l MediaList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]MediaVariant{})
	}
	return json.Marshal(l)
}

func (l *MediaList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

// AttemptRecord 一次重生成尝试的留痕（策略选择依赖这些历史）
type AttemptRecord struct {
	Attempt  int       `json:"attempt"`
	Strategy string    `json:"strategy"`
	Provider string    `json:"provider"`
	Prompt   string    `json:"prompt"`
	Score    float64   `json:"score"`
	Issues   []string  `json:"issues,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type AttemptList []AttemptRecord

func (l AttemptList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]AttemptRecord{})
	}
	return json.Marshal(l)
}

func (l *AttemptList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	for i := range scenes {
		if !IsSceneType(scenes[i].SceneType) {
			return fmt.Errorf("scene %s has invalid type %q", scenes[i].ID, scenes[i].SceneType)
		}
	}
	return db.Create(&scenes).Error
}

func GetSceneByIDGorm(db *gorm.DB, sceneID string) (*Scene, error) {
	var scene Scene
	if err := db.First(&scene, "id = ?", sceneID).Error; err != nil {
		return nil, err
	}
	return &scene, nil
}
