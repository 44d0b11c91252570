// internal/models/shot.go
package models

// PlanType 标记镜头在序列中的角色
// master镜头是全序列的空间布局锚点，显式标记而不依赖数组位置
type PlanType string

const (
	PlanTypeMaster     PlanType = "master"
	PlanTypeSequential PlanType = "sequential"
	PlanTypeCustom     PlanType = "custom"
)

// ShotPlan 表示一个完整的技术分镜
type ShotPlan struct {
	ShotID           int              `json:"shot_id"`
	PlanType         PlanType         `json:"plan_type"`
	Summary          string           `json:"summary"`
	CameraSpecs      string           `json:"camera_specs"`
	ActionSegment    string           `json:"action_segment"`
	VisualBreakdown  *VisualBreakdown `json:"visual_breakdown,omitempty"`
	RelevantEntities []string         `json:"relevant_entities,omitempty"`
	ImageURL         string           `json:"image_url,omitempty"`
	Loading          bool             `json:"loading"`
	Editing          bool             `json:"editing"`
}

// VisualBreakdown 镜头的结构化视觉技术规格
// 所有引用视觉素材的子对象都携带reference_image标记；
// original_ref在首次重映射时设置一次，保留截断前的原始标记，之后不再覆盖
type VisualBreakdown struct {
	Scene         SceneSpec             `json:"scene"`
	Characters    []CharacterShotDetail `json:"characters"`
	Objects       []ObjectShotDetail    `json:"objects,omitempty"`
	Framing       string                `json:"framing"`
	Composition   string                `json:"composition,omitempty"`
	Camera        CameraSpec            `json:"camera"`
	Lighting      string                `json:"lighting"`
	DirectorNotes string                `json:"director_notes,omitempty"`
}

// SceneSpec 环境描述
type SceneSpec struct {
	Environment    string `json:"environment"`
	TimeOfDay      string `json:"time_of_day"`
	Mood           string `json:"mood,omitempty"`
	Palette        string `json:"palette,omitempty"`
	ReferenceImage string `json:"reference_image,omitempty"`
	OriginalRef    string `json:"original_ref,omitempty"`
}

// CharacterShotDetail 镜头内单个角色的视觉细节
type CharacterShotDetail struct {
	Name           string         `json:"name"`
	ReferenceImage string         `json:"reference_image,omitempty"`
	OriginalRef    string         `json:"original_ref,omitempty"`
	Position       string         `json:"position"`
	BlockingID     string         `json:"blocking_id,omitempty"`
	Appearance     AppearanceSpec `json:"appearance"`
	Actions        string         `json:"actions,omitempty"`
	LightingEffect string         `json:"lighting_effect,omitempty"`
}

// AppearanceSpec 角色外观
type AppearanceSpec struct {
	Description string `json:"description"`
	Expression  string `json:"expression,omitempty"`
}

// ObjectShotDetail 镜头内单个物件的视觉细节
type ObjectShotDetail struct {
	Name           string `json:"name"`
	ReferenceImage string `json:"reference_image,omitempty"`
	OriginalRef    string `json:"original_ref,omitempty"`
	Details        string `json:"details,omitempty"`
	Action         string `json:"action,omitempty"`
}

// CameraSpec 摄影机参数
type CameraSpec struct {
	Lens        string `json:"lens,omitempty"`
	Settings    string `json:"settings,omitempty"`
	Perspective string `json:"perspective,omitempty"`
	Movement    string `json:"movement,omitempty"`
}

// SceneContext 场景预分析结果（规划流水线第一阶段的输出）
// 只有舞台指示/动作文本参与视觉提取，引号内的对白不可见
type SceneContext struct {
	Environment string            `json:"environment"`
	TimeOfDay   string            `json:"time_of_day"`
	Mood        string            `json:"mood,omitempty"`
	Outfits     []CharacterOutfit `json:"outfits,omitempty"`
	Props       []string          `json:"props,omitempty"`
}

// CharacterOutfit 预分析阶段提取的角色服装描述
type CharacterOutfit struct {
	Name        string   `json:"name"`
	Outfit      string   `json:"outfit"`
	Accessories []string `json:"accessories,omitempty"`
}

// PlannedShot 规划流水线第二阶段产生的镜头概要
type PlannedShot struct {
	Index         int    `json:"index"`
	Summary       string `json:"summary"`
	ActionSegment string `json:"action_segment"`
}
