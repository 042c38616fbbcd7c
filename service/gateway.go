package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"PromoForge-server/models"
)

// 素材生成类型
const (
	GenerateKindImage = "image"
	GenerateKindVideo = "video"
	GenerateKindVoice = "voice"
	GenerateKindMusic = "music"
)

// AssetGateway 素材生成网关：图/视频/配音/配乐统一入口，
// 返回生成结果的 URL 或失败
type AssetGateway interface {
	Generate(ctx context.Context, kind, prompt, provider string, params map[string]interface{}) (string, error)
}

// GenerateKindForMedia 场景素材形态到网关生成类型的映射
func GenerateKindForMedia(mediaKind string) string {
	if mediaKind == models.MediaKindVideo {
		return GenerateKindVideo
	}
	return GenerateKindImage
}

// HTTPAssetGateway 通过 HTTP 调用外部生成网关
type HTTPAssetGateway struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPAssetGateway(endpoint string) *HTTPAssetGateway {
	return &HTTPAssetGateway{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *HTTPAssetGateway) Generate(ctx context.Context, kind, prompt, provider string, params map[string]interface{}) (string, error) {
	reqBody := map[string]interface{}{
		"kind":     kind,
		"prompt":   prompt,
		"provider": provider,
		"params":   params,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint+"/v1/generate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	var respData struct {
		MediaURL string `json:"media_url"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode gateway response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if respData.Error != "" {
			return "", fmt.Errorf("gateway %s generation failed: %s", kind, respData.Error)
		}
		return "", fmt.Errorf("gateway status code: %d", resp.StatusCode)
	}
	if respData.MediaURL == "" {
		return "", fmt.Errorf("gateway response missing media_url")
	}
	return respData.MediaURL, nil
}
