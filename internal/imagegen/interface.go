// internal/imagegen/interface.go
package imagegen

import (
	"context"
	"errors"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的图像生成提供者")

// PromptPart 提示词的一个组成部分：纯文本或图像字节
type PromptPart struct {
	Text      string `json:"text,omitempty"`
	ImageData []byte `json:"-"`
	MimeType  string `json:"mime_type,omitempty"`
}

// IsImage 判断该部分是否为图像
func (p PromptPart) IsImage() bool {
	return len(p.ImageData) > 0
}

// ImageRequest 图像生成请求
// Parts按最终标记顺序排列：先是完整提示词文本，随后是编号对应的参考图像
type ImageRequest struct {
	Parts       []PromptPart `json:"parts"`
	AspectRatio string       `json:"aspect_ratio,omitempty"`
	Seed        *int64       `json:"seed,omitempty"`
}

// ImageResponse 图像生成结果
// 后端返回内联字节或外部URL二者之一
type ImageResponse struct {
	Data        []byte `json:"-"`
	MimeType    string `json:"mime_type,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
}

// Provider 定义所有图像生成提供者必须实现的接口
// 后端可以是同步返回，也可以在内部执行有界轮询等待异步任务完成；
// 两种模式对调用方表现一致：GenerateImage阻塞直到得到最终结果或失败
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 图像生成
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// ProviderFactory 提供者工厂函数类型
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	err := provider.Initialize(config)
	return provider, err
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
