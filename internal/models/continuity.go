// internal/models/continuity.go
package models

// IssueCategory 连续性问题类别
type IssueCategory string

const (
	IssueCategoryOutfit   IssueCategory = "outfit"
	IssueCategoryTime     IssueCategory = "time"
	IssueCategoryLocation IssueCategory = "location"
	IssueCategoryCamera   IssueCategory = "camera"
	IssueCategoryLighting IssueCategory = "lighting"
	IssueCategoryOther    IssueCategory = "other"
)

// IssueSeverity 连续性问题严重程度
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
	SeverityInfo    IssueSeverity = "info"
)

// ContinuityIssue 表示镜头列表快照中检出的一个连续性问题
// 问题本身是不可变事实，Resolved是唯一可变字段
type ContinuityIssue struct {
	ID           string        `json:"id"`
	ShotID       int           `json:"shot_id"`
	Category     IssueCategory `json:"category"`
	Severity     IssueSeverity `json:"severity"`
	Message      string        `json:"message"`
	Evidence     string        `json:"evidence,omitempty"`
	SuggestedFix string        `json:"suggested_fix,omitempty"`
	FixData      *FixData      `json:"fix_data,omitempty"`
	Resolved     bool          `json:"resolved"`
}

// FixData 描述一次机械化的字段更新，调用方应用后即可消除问题
// 应用修复只改动目标镜头visual_breakdown中的字段，不重新生成图像
type FixData struct {
	ShotID        int    `json:"shot_id"`
	FieldPath     string `json:"field_path"`
	NewValue      string `json:"new_value"`
	CharacterName string `json:"character_name,omitempty"`
}
