// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/StoryboardMCP/internal/config"
	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	gocache "github.com/patrickmn/go-cache"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai": "gpt-4.1-mini",
	"google": "gemini-2.5-flash",
}

// LLMService 提供统一的文本理解调用接口
// 所有结构化抽取（实体识别、场景预分析、分镜规划、逐镜细化）都经过它
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	cache         *gocache.Cache
	isReady       bool
	readyState    string
}

// NewLLMService 创建一个新的LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	// 尝试从配置初始化
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "无法获取配置"
		return service, nil
	}

	if cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == "") {
		service.readyState = "API密钥未配置"
		return service, nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("初始化失败: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewLLMServiceWithProvider 使用指定的Provider创建LLM服务（测试用）
func NewLLMServiceWithProvider(provider llm.Provider) *LLMService {
	service := createBaseLLMService()
	if provider == nil {
		service.providerName = "empty"
		service.readyState = "提供商未初始化"
		return service
	}

	service.provider = provider
	service.providerName = provider.GetName()
	service.isReady = true
	service.readyState = "Ready"
	return service
}

func createBaseLLMService() *LLMService {
	return &LLMService{
		provider:     nil,
		providerName: "",
		isReady:      false,
		readyState:   "Uninitialized",
		cache:        gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	return s.provider != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	return s.readyState
}

// GetProviderName 返回当前提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	return s.providerName
}

// UpdateProvider 切换到新的提供商配置
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(providerName, providerConfig)
	if err != nil {
		return fmt.Errorf("初始化提供商失败: %w", err)
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.isReady = true
	s.readyState = "Ready"
	s.cache.Flush()

	return nil
}

// resolveModel 解析实际使用的模型名称
func (s *LLMService) resolveModel(requestedModel string) string {
	if requestedModel != "" {
		return requestedModel
	}

	cfg := config.GetCurrentConfig()
	if cfg != nil && cfg.LLMConfig != nil && cfg.LLMConfig["default_model"] != "" {
		return cfg.LLMConfig["default_model"]
	}

	if model, ok := providerDefaultModels[s.providerName]; ok {
		return model
	}
	return ""
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	hash := md5.Sum([]byte(prompt + "|" + systemPrompt + "|" + model))
	return hex.EncodeToString(hash[:])
}

// CreateStructuredCompletion 调用文本理解能力并将结果解析到给定的输出结构中
// 解析失败或缺少必需字段时整体失败，不会带着残缺数据继续
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		s.providerMutex.RUnlock()
		return fmt.Errorf("%w: %s", ErrLLMNotReady, s.readyState)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	model := s.resolveModel("")

	// 检查缓存
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)
	if cached, found := s.cache.Get(cacheKey); found {
		if raw, ok := cached.(string); ok {
			if err := json.Unmarshal([]byte(raw), outputSchema); err == nil {
				return nil
			}
		}
	}

	// 修改系统提示以请求特定格式
	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
	}

	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return apperrors.NewCapabilityError("文本理解能力调用失败", err)
	}

	// 尝试解析结构化输出
	text := cleanJSONString(resp.Text)

	if err := json.Unmarshal([]byte(text), outputSchema); err != nil {
		return apperrors.NewCapabilityError(
			fmt.Sprintf("AI响应无法解析为结构化数据: %v\nAI return: %s", err, text), err)
	}

	// 保存清洗后的原始JSON到缓存
	s.cache.Set(cacheKey, text, gocache.DefaultExpiration)

	return nil
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\uFEFF", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一替换常见的噪声与Markdown标记
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	isArray := s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				// 找到了匹配的结束符
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 没找到匹配的结束符，回退到找最后一个
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

// CleanLLMJSONResponse 提供给外部调用的JSON清洗助手
func CleanLLMJSONResponse(raw string) string {
	return cleanJSONString(raw)
}
