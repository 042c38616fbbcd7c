package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrThrottled 渲染后端限流。不算失败，调用方按 RetryAfter 退避后继续轮询。
var ErrThrottled = errors.New("render backend throttled")

// ThrottleError 携带后端建议的重试间隔
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("render backend throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// RenderProgress 后端一次进度查询的结果
type RenderProgress struct {
	Done      bool     `json:"done"`
	Progress  float64  `json:"progress"` // 0-1
	OutputURL string   `json:"output_url,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// RenderBackend serverless 渲染后端。任务一旦提交无法中途撤销，
// 编排侧的“取消”只是停止轮询并在本地改状态。
type RenderBackend interface {
	StartRender(ctx context.Context, compositionID string, inputProps map[string]interface{}) (renderID, bucket string, err error)
	GetProgress(ctx context.Context, renderID, bucket string) (*RenderProgress, error)
}

type HTTPRenderBackend struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPRenderBackend(endpoint string) *HTTPRenderBackend {
	return &HTTPRenderBackend{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *HTTPRenderBackend) StartRender(ctx context.Context, compositionID string, inputProps map[string]interface{}) (string, string, error) {
	reqBody := map[string]interface{}{
		"composition_id": compositionID,
		"input_props":    inputProps,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint+"/v1/renders", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", "", fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("render backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", "", &ThrottleError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", "", fmt.Errorf("render backend status code: %d", resp.StatusCode)
	}

	var respData struct {
		RenderID string `json:"render_id"`
		Bucket   string `json:"bucket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", "", fmt.Errorf("decode response failed: %w", err)
	}
	if respData.RenderID == "" {
		return "", "", fmt.Errorf("response missing render_id")
	}
	return respData.RenderID, respData.Bucket, nil
}

func (b *HTTPRenderBackend) GetProgress(ctx context.Context, renderID, bucket string) (*RenderProgress, error) {
	url := fmt.Sprintf("%s/v1/renders/%s?bucket=%s", b.Endpoint, renderID, bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("progress request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progress status code: %d", resp.StatusCode)
	}

	var progress RenderProgress
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return nil, fmt.Errorf("decode progress failed: %w", err)
	}
	return &progress, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return 30 * time.Second
}
