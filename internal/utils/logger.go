// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelWarn
	LevelError
)

var levelNames = map[LogLevel]string{
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// Logger 渲染与规划管线的单行文本日志器，同时写入日志文件与标准输出
// 字段按键排序输出，同一事件的日志行可以逐字节比对
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	level LogLevel
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger 返回全局日志器
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{level: LevelInfo}
	})
	return globalLogger
}

// InitLogger 把全局日志器挂接到日志文件，目录不存在时自动创建
func InitLogger(logFile string) error {
	logger := GetLogger()

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// SetLogLevel 设置最低输出级别
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	caller := "?"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	entry := fmt.Sprintf("%s %-5s %s %s",
		time.Now().Format("2006-01-02T15:04:05.000Z07:00"),
		levelNames[level], caller, message)

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entry += fmt.Sprintf(" %s=%v", key, fields[key])
	}
	entry += "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	if l.file != nil {
		l.file.WriteString(entry)
		// 错误级别立即落盘，渲染中途崩溃时不丢失失败记录
		if level >= LevelError {
			l.file.Sync()
		}
	}
	os.Stdout.WriteString(entry)
}

// Info 记录常规事件
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

// Warn 记录可恢复的异常
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

// Error 记录失败
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}
