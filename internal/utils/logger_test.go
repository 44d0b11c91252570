// internal/utils/logger_test.go
package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerWritesEntries(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "render.log")
	if err := InitLogger(logFile); err != nil {
		t.Fatalf("初始化日志失败: %v", err)
	}

	logger := GetLogger()
	logger.SetLogLevel(LevelInfo)
	logger.Info("开始渲染镜头", map[string]interface{}{"shot_id": 3, "sequence": "seq-1"})

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "INFO") || !strings.Contains(content, "开始渲染镜头") {
		t.Errorf("日志应包含级别与消息: %q", content)
	}
	// 字段按键排序输出
	if !strings.Contains(content, "sequence=seq-1 shot_id=3") {
		t.Errorf("字段应按键排序: %q", content)
	}
	if !strings.Contains(content, "logger_test.go:") {
		t.Errorf("日志应标注调用位置: %q", content)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "filtered.log")
	if err := InitLogger(logFile); err != nil {
		t.Fatalf("初始化日志失败: %v", err)
	}

	logger := GetLogger()
	logger.SetLogLevel(LevelError)
	defer logger.SetLogLevel(LevelInfo)

	logger.Warn("低于阈值的事件", nil)
	logger.Error("镜头渲染失败", map[string]interface{}{"shot_id": 1})

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "低于阈值的事件") {
		t.Error("低于当前级别的日志不应写入")
	}
	if !strings.Contains(content, "镜头渲染失败") {
		t.Error("错误级别日志应写入")
	}
}
