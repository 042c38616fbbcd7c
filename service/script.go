package service

import (
	"strings"
	"time"

	"PromoForge-server/models"

	"github.com/google/uuid"
)

const defaultSceneDurationSec = 5

// SplitScript 把脚本文本按句拆成带类型的场景序列：
// 首段是 hook，末段是 cta，中间按 benefit/demo 交替。
// 这是驱动编排核心的最小输入面，完整的场景编辑 CRUD 在上层服务里。
func SplitScript(projectID, script string) []models.Scene {
	segments := splitSentences(script)
	if len(segments) == 0 {
		return nil
	}

	scenes := make([]models.Scene, 0, len(segments))
	now := time.Now()
	for i, text := range segments {
		sceneType := models.SceneTypeBenefit
		switch {
		case i == 0:
			sceneType = models.SceneTypeHook
		case i == len(segments)-1 && len(segments) > 1:
			sceneType = models.SceneTypeCTA
		case i%2 == 0:
			sceneType = models.SceneTypeDemo
		}
		scenes = append(scenes, models.Scene{
			ID:              uuid.NewString(),
			ProjectId:       projectID,
			OrderIndex:      i,
			SceneType:       sceneType,
			DurationSec:     defaultSceneDurationSec,
			Narration:       text,
			VisualDirection: text,
			Status:          models.SceneStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return scenes
}

func splitSentences(script string) []string {
	replacer := strings.NewReplacer("!", ".", "?", ".", "\n", ".")
	parts := strings.Split(replacer.Replace(script), ".")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TotalDuration 各场景时长之和（项目总时长的唯一来源）
func TotalDuration(scenes []models.Scene) float64 {
	var sum float64
	for i := range scenes {
		sum += scenes[i].DurationSec
	}
	return sum
}
