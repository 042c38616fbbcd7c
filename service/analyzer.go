package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"PromoForge-server/models"
)

// ErrAnalyzerUnavailable 分析服务未配置或不可达。调用方必须让场景保持
// 未分析状态（门禁视角下 blocking），绝不可伪造一个分数顶替。
var ErrAnalyzerUnavailable = errors.New("quality analyzer unavailable")

// QualityAnalyzer 场景质量分析服务
type QualityAnalyzer interface {
	Analyze(ctx context.Context, mediaRef string, scene *models.Scene) (*models.QualityAnalysis, error)
}

type HTTPQualityAnalyzer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPQualityAnalyzer(endpoint string) *HTTPQualityAnalyzer {
	return &HTTPQualityAnalyzer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (a *HTTPQualityAnalyzer) Analyze(ctx context.Context, mediaRef string, scene *models.Scene) (*models.QualityAnalysis, error) {
	if a.Endpoint == "" {
		return nil, ErrAnalyzerUnavailable
	}

	reqBody := map[string]interface{}{
		"media_ref":        mediaRef,
		"media_kind":       scene.MediaKind,
		"scene_type":       scene.SceneType,
		"narration":        scene.Narration,
		"visual_direction": scene.VisualDirection,
		"duration_sec":     scene.DurationSec,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint+"/v1/analyze", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrAnalyzerUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer status code: %d", resp.StatusCode)
	}

	var analysis models.QualityAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return nil, fmt.Errorf("decode analysis failed: %w", err)
	}
	if analysis.AnalyzedAt.IsZero() {
		analysis.AnalyzedAt = time.Now()
	}
	return &analysis, nil
}
