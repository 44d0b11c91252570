// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"

	// 项目与序列相关错误
	ErrorProjectNotFound  = "PROJECT_NOT_FOUND"
	ErrorSequenceNotFound = "SEQUENCE_NOT_FOUND"
	ErrorShotNotFound     = "SHOT_NOT_FOUND"
	ErrorEntityNotFound   = "ENTITY_NOT_FOUND"
	ErrorJobNotFound      = "JOB_NOT_FOUND"

	// 外部能力相关错误
	ErrorLLMServiceUnavailable   = "LLM_SERVICE_UNAVAILABLE"
	ErrorImageServiceUnavailable = "IMAGE_SERVICE_UNAVAILABLE"
	ErrorCapabilityConfigInvalid = "CAPABILITY_CONFIG_INVALID"
	ErrorCapabilityFailed        = "CAPABILITY_FAILED"
	ErrorTimeout                 = "TIMEOUT"

	// 文件相关错误
	ErrorFileUploadFailed = "FILE_UPLOAD_FAILED"
	ErrorFileInvalid      = "FILE_INVALID"
	ErrorFileNotFound     = "FILE_NOT_FOUND"
)
