// internal/imagegen/providers/flux/flux.go
package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/imagegen"
)

func init() {
	imagegen.Register("flux", func() imagegen.Provider {
		return &Provider{
			baseURL:      "https://api.bfl.ai/v1",
			pollInterval: 2 * time.Second,
			maxAttempts:  60,
		}
	})
}

// Provider 通过异步任务接口生成图像：先提交任务，再有界轮询结果
// 对调用方而言与同步后端无区别，GenerateImage阻塞直到拿到最终URL或失败
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	pollInterval time.Duration
	maxAttempts  int
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("flux API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 60 * time.Second}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "flux-pro-1.1"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	if interval, exists := config["poll_interval_seconds"]; exists {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			p.pollInterval = time.Duration(n) * time.Second
		}
	}

	if attempts, exists := config["max_poll_attempts"]; exists {
		if n, err := strconv.Atoi(attempts); err == nil && n > 0 {
			p.maxAttempts = n
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return "flux"
}

func (p *Provider) GenerateImage(ctx context.Context, req imagegen.ImageRequest) (*imagegen.ImageResponse, error) {
	pollingURL, err := p.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	return p.poll(ctx, pollingURL)
}

// submit 提交生成任务，返回轮询URL
func (p *Provider) submit(ctx context.Context, req imagegen.ImageRequest) (string, error) {
	// flux接口只接受单段文本提示词和至多一张参考图
	var promptText string
	var referenceImage []byte
	for _, part := range req.Parts {
		if part.IsImage() {
			if referenceImage == nil {
				referenceImage = part.ImageData
			}
			continue
		}
		if promptText != "" {
			promptText += "\n"
		}
		promptText += part.Text
	}

	if promptText == "" {
		return "", errors.New("图像生成请求不能为空")
	}

	requestBody := map[string]interface{}{
		"prompt": promptText,
	}

	if req.AspectRatio != "" {
		requestBody["aspect_ratio"] = req.AspectRatio
	}

	if req.Seed != nil {
		requestBody["seed"] = *req.Seed
	}

	if referenceImage != nil {
		requestBody["image_prompt"] = base64.StdEncoding.EncodeToString(referenceImage)
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/"+p.defaultModel,
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("flux任务提交失败(%d): %s", httpResp.StatusCode, string(body))
	}

	var response struct {
		ID         string `json:"id"`
		PollingURL string `json:"polling_url"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return "", err
	}

	if response.PollingURL == "" {
		return "", errors.New("flux未返回轮询地址")
	}

	return response.PollingURL, nil
}

// poll 有界轮询任务结果
// 轮询次数耗尽时返回超时错误，调用方可据此与能力硬失败区分
func (p *Provider) poll(ctx context.Context, pollingURL string) (*imagegen.ImageResponse, error) {
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}

		httpReq, err := http.NewRequestWithContext(ctx, "GET", pollingURL, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("x-key", p.apiKey)

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, err
		}

		var response struct {
			Status string `json:"status"`
			Result struct {
				Sample string `json:"sample"`
			} `json:"result"`
			Details map[string]interface{} `json:"details,omitempty"`
		}

		decodeErr := json.NewDecoder(httpResp.Body).Decode(&response)
		httpResp.Body.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}

		switch response.Status {
		case "Ready":
			if response.Result.Sample == "" {
				return nil, errors.New("flux任务完成但未返回图像地址")
			}
			return &imagegen.ImageResponse{ExternalURL: response.Result.Sample}, nil
		case "Error", "Content Moderated", "Request Moderated":
			return nil, apperrors.NewCapabilityError(
				fmt.Sprintf("flux任务失败: %s", response.Status), nil)
		}
		// Pending / Queued 继续等待
	}

	return nil, apperrors.NewTimeoutError(
		fmt.Sprintf("flux任务轮询超过%d次仍未完成", p.maxAttempts), nil)
}
