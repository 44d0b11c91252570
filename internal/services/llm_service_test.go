// internal/services/llm_service_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
)

// fakeTextProvider 测试用的文本理解提供者
// respond按调用收到的请求产生响应，callCount记录实际调用次数
type fakeTextProvider struct {
	mu        sync.Mutex
	callCount int
	respond   func(call int, req llm.CompletionRequest) (string, error)
}

func (p *fakeTextProvider) Initialize(config map[string]string) error { return nil }
func (p *fakeTextProvider) GetName() string                           { return "fake" }
func (p *fakeTextProvider) GetSupportedModels() []string              { return []string{"fake-model"} }

func (p *fakeTextProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.callCount++
	call := p.callCount
	p.mu.Unlock()

	text, err := p.respond(call, req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text, ProviderName: "fake"}, nil
}

func (p *fakeTextProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// staticProvider 每次调用都返回同一段文本
func staticProvider(text string) *fakeTextProvider {
	return &fakeTextProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return text, nil
		},
	}
}

func TestCleanJSONString(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "markdown代码块",
			input: "```json\n{\"key\": \"value\"}\n```",
			want:  `{"key": "value"}`,
		},
		{
			name:  "前置说明文字",
			input: `Here is the JSON you asked for: {"key": "value"}`,
			want:  `{"key": "value"}`,
		},
		{
			name:  "后置噪声",
			input: `{"key": "value"} Hope this helps!`,
			want:  `{"key": "value"}`,
		},
		{
			name:  "嵌套对象",
			input: `{"outer": {"inner": [1, 2, 3]}}`,
			want:  `{"outer": {"inner": [1, 2, 3]}}`,
		},
		{
			name:  "字符串内的括号",
			input: `{"text": "a } inside a string"} trailing`,
			want:  `{"text": "a } inside a string"}`,
		},
		{
			name:  "数组顶层",
			input: "```json\n[{\"a\": 1}, {\"b\": 2}]\n```",
			want:  `[{"a": 1}, {"b": 2}]`,
		},
		{
			name:  "BOM与零宽字符",
			input: "\uFEFF```json\n{\"key\": \"val\u200bue\"}\n```",
			want:  `{"key": "value"}`,
		},
		{
			name:  "行分隔符与不间断空格",
			input: "{\"key\":\u00a0\"value\"}\u2028",
			want:  `{"key": "value"}`,
		},
		{
			name:  "空输入",
			input: "",
			want:  "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanLLMJSONResponse(tc.input); got != tc.want {
				t.Errorf("清洗结果不符:\n输入: %q\n期望: %q\n实际: %q", tc.input, tc.want, got)
			}
		})
	}
}

func TestCreateStructuredCompletion(t *testing.T) {
	provider := staticProvider(`{"name": "Ava", "count": 3}`)
	service := NewLLMServiceWithProvider(provider)

	var result struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := service.CreateStructuredCompletion(context.Background(), "describe", "system", &result); err != nil {
		t.Fatalf("结构化调用失败: %v", err)
	}

	if result.Name != "Ava" || result.Count != 3 {
		t.Errorf("解析结果不符: %+v", result)
	}
}

func TestCreateStructuredCompletionCaching(t *testing.T) {
	provider := staticProvider(`{"value": 1}`)
	service := NewLLMServiceWithProvider(provider)

	var result struct {
		Value int `json:"value"`
	}
	for i := 0; i < 3; i++ {
		if err := service.CreateStructuredCompletion(context.Background(), "same prompt", "same system", &result); err != nil {
			t.Fatalf("第%d次调用失败: %v", i+1, err)
		}
	}

	// 相同提示词命中缓存，提供者只被调用一次
	if provider.calls() != 1 {
		t.Errorf("缓存应拦截重复调用，提供者被调用%d次", provider.calls())
	}

	// 不同提示词绕过缓存
	if err := service.CreateStructuredCompletion(context.Background(), "different prompt", "same system", &result); err != nil {
		t.Fatalf("不同提示词的调用失败: %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("不同提示词应触发新调用，提供者被调用%d次", provider.calls())
	}
}

func TestCreateStructuredCompletionNotReady(t *testing.T) {
	service := NewLLMServiceWithProvider(nil)

	var result map[string]any
	err := service.CreateStructuredCompletion(context.Background(), "prompt", "", &result)
	if !errors.Is(err, ErrLLMNotReady) {
		t.Errorf("未就绪服务应返回ErrLLMNotReady，实际为%v", err)
	}
}

func TestCreateStructuredCompletionMalformedResponse(t *testing.T) {
	provider := staticProvider("I cannot produce JSON today.")
	service := NewLLMServiceWithProvider(provider)

	var result map[string]any
	err := service.CreateStructuredCompletion(context.Background(), "prompt", "", &result)
	if !apperrors.IsCapabilityError(err) {
		t.Errorf("无法解析的响应应返回能力错误，实际为%v", err)
	}
}

func TestCreateStructuredCompletionProviderFailure(t *testing.T) {
	provider := &fakeTextProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "", errors.New("upstream 500")
		},
	}
	service := NewLLMServiceWithProvider(provider)

	var result map[string]any
	err := service.CreateStructuredCompletion(context.Background(), "prompt", "", &result)
	if !apperrors.IsCapabilityError(err) {
		t.Errorf("提供者失败应包装为能力错误，实际为%v", err)
	}
}
