// internal/models/entity.go
package models

import (
	"strings"
	"time"
	"unicode"
)

// EntityType 视觉资产类型
type EntityType string

const (
	EntityTypeCharacter EntityType = "character"
	EntityTypeLocation  EntityType = "location"
	EntityTypeItem      EntityType = "item"
)

// EntityScope 资产作用域：global为项目级，local为序列级
type EntityScope string

const (
	ScopeGlobal EntityScope = "global"
	ScopeLocal  EntityScope = "local"
)

// Entity 表示一个具名视觉资产（角色、场景地点或道具）
// RefTag 是人类可读的引用标记（"image N"），在其分配的作用域内唯一
type Entity struct {
	ID          string      `json:"id"`
	RefTag      string      `json:"ref_tag"`
	Name        string      `json:"name"`
	Type        EntityType  `json:"type"`
	Description string      `json:"description"`
	Scope       EntityScope `json:"scope"`

	// 图像数据通过媒体存储间接引用，实体本身可以是纯文本的
	ImageLocator string `json:"image_locator,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`

	// LinkedTo 指向同名全局实体的ID（非拥有引用关系）
	// 本地实体链接到全局实体时复制其图像与名称，但保留自己的生命周期
	LinkedTo string `json:"linked_to,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// ImageResource 表示解析后的图像资源，随提示词一起发送给图像模型
type ImageResource struct {
	RefTag      string `json:"ref_tag"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Locator     string `json:"locator"`
	MimeType    string `json:"mime_type"`
	Data        []byte `json:"-"`
}

// NormalizeName 规范化实体名称用于身份比较：小写并去除所有非字母数字字符
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameName 判断两个名称在规范化后是否指向同一实体
func SameName(a, b string) bool {
	na := NormalizeName(a)
	return na != "" && na == NormalizeName(b)
}
