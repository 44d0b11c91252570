// internal/imagegen/providers/gemini/gemini.go
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/imagegen"
)

func init() {
	imagegen.Register("gemini", func() imagegen.Provider {
		return &Provider{
			baseURL: "https://generativelanguage.googleapis.com/v1beta",
		}
	})
}

// Provider 通过Gemini图像模型同步生成图像
// 参考图像作为inline_data部分随提示词一起发送
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("gemini API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 180 * time.Second}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.5-flash-image"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	return nil
}

func (p *Provider) GetName() string {
	return "gemini"
}

func (p *Provider) GenerateImage(ctx context.Context, req imagegen.ImageRequest) (*imagegen.ImageResponse, error) {
	if len(req.Parts) == 0 {
		return nil, errors.New("图像生成请求不能为空")
	}

	// 按标记顺序构建parts：文本与参考图像交错出现
	parts := make([]map[string]interface{}, 0, len(req.Parts))
	for _, part := range req.Parts {
		if part.IsImage() {
			mimeType := part.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			parts = append(parts, map[string]interface{}{
				"inline_data": map[string]string{
					"mime_type": mimeType,
					"data":      base64.StdEncoding.EncodeToString(part.ImageData),
				},
			})
		} else if part.Text != "" {
			parts = append(parts, map[string]interface{}{"text": part.Text})
		}
	}

	requestBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": parts},
		},
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"IMAGE"},
		},
	}

	if req.AspectRatio != "" {
		requestBody["generationConfig"].(map[string]interface{})["imageConfig"] = map[string]string{
			"aspectRatio": req.AspectRatio,
		}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.defaultModel, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errorResp map[string]interface{}
		body, _ := io.ReadAll(httpResp.Body)
		if err := json.Unmarshal(body, &errorResp); err == nil {
			if errorObj, ok := errorResp["error"].(map[string]interface{}); ok {
				return nil, fmt.Errorf("gemini图像API错误(%d): %v",
					httpResp.StatusCode, errorObj["message"])
			}
		}
		return nil, fmt.Errorf("gemini图像API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	var response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData,omitempty"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	if len(response.Candidates) == 0 {
		return nil, errors.New("gemini未返回任何结果")
	}

	// 安全过滤等原因可能导致没有图像部分
	for _, part := range response.Candidates[0].Content.Parts {
		if part.InlineData != nil {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("解码图像数据失败: %w", err)
			}
			return &imagegen.ImageResponse{
				Data:     data,
				MimeType: part.InlineData.MimeType,
			}, nil
		}
	}

	return nil, fmt.Errorf("gemini未返回图像内容，finish_reason=%s", response.Candidates[0].FinishReason)
}
