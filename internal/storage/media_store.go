// internal/storage/media_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MediaStore 提供媒体字节与JSON文档的文件存储
// 生成的图像、上传的实体图像和序列文档都通过它落盘，
// 调用方只持有稳定的定位符（相对路径），不关心存储技术
type MediaStore struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 简单缓存
	cache        map[string]*cacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	cleanupOnce sync.Once
}

type cacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// 定位符扩展名与MIME类型的映射
var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".json": "application/json",
}

var extByMime = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/webp":       ".webp",
	"application/json": ".json",
}

// NewMediaStore 创建媒体存储服务
func NewMediaStore(baseDir string) (*MediaStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	ms := &MediaStore{
		BaseDir:      baseDir,
		cache:        make(map[string]*cacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
	}

	ms.startCacheCleanup()

	return ms, nil
}

// 获取文件锁
func (ms *MediaStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := ms.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Save 保存媒体字节，返回稳定定位符
// key不含扩展名，扩展名由MIME类型决定
func (ms *MediaStore) Save(key string, data []byte, mimeType string) (string, error) {
	ext, ok := extByMime[mimeType]
	if !ok {
		ext = ".bin"
	}
	locator := filepath.ToSlash(key + ext)

	if err := ms.writeFile(locator, data); err != nil {
		return "", err
	}

	return locator, nil
}

// Get 按定位符读取媒体字节及其MIME类型
func (ms *MediaStore) Get(locator string) ([]byte, string, error) {
	data, err := ms.readFile(locator)
	if err != nil {
		return nil, "", err
	}

	mimeType := mimeByExt[strings.ToLower(filepath.Ext(locator))]
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return data, mimeType, nil
}

// Exists 检查定位符对应的文件是否存在
func (ms *MediaStore) Exists(locator string) bool {
	_, err := os.Stat(filepath.Join(ms.BaseDir, filepath.FromSlash(locator)))
	return err == nil
}

// Delete 删除定位符对应的文件
func (ms *MediaStore) Delete(locator string) error {
	fullPath := filepath.Join(ms.BaseDir, filepath.FromSlash(locator))

	lock := ms.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	ms.invalidateCache(fullPath)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

// SaveJSON 序列化并保存JSON文档
func (ms *MediaStore) SaveJSON(locator string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	return ms.writeFile(locator, content)
}

// LoadJSON 读取并解析JSON文档
func (ms *MediaStore) LoadJSON(locator string, out interface{}) error {
	data, err := ms.readFile(locator)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析JSON文档失败: %w", err)
	}

	return nil
}

// ListJSON 列出目录下所有JSON文档的定位符
func (ms *MediaStore) ListJSON(dirPath string) ([]string, error) {
	fullDirPath := filepath.Join(ms.BaseDir, filepath.FromSlash(dirPath))

	if _, err := os.Stat(fullDirPath); os.IsNotExist(err) {
		return []string{}, nil
	}

	files, err := os.ReadDir(fullDirPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	locators := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		locators = append(locators, filepath.ToSlash(filepath.Join(dirPath, file.Name())))
	}

	return locators, nil
}

// writeFile 原子性文件写入：先写临时文件再改名
func (ms *MediaStore) writeFile(locator string, content []byte) error {
	fullPath := filepath.Join(ms.BaseDir, filepath.FromSlash(locator))

	lock := ms.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			fmt.Printf("警告: 清理临时文件失败 %s: %v\n", tempPath, removeErr)
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	ms.invalidateCache(fullPath)

	return nil
}

// readFile 带缓存的文件读取
func (ms *MediaStore) readFile(locator string) ([]byte, error) {
	fullPath := filepath.Join(ms.BaseDir, filepath.FromSlash(locator))

	// 检查缓存
	ms.cacheMutex.RLock()
	if entry, exists := ms.cache[fullPath]; exists {
		if time.Since(entry.Timestamp) < ms.cacheExpiry {
			ms.cacheMutex.RUnlock()
			return entry.Data, nil
		}
	}
	ms.cacheMutex.RUnlock()

	lock := ms.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("文件不存在: %s", locator)
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	ms.addToCache(fullPath, data)

	return data, nil
}

func (ms *MediaStore) addToCache(fullPath string, data []byte) {
	ms.cacheMutex.Lock()
	defer ms.cacheMutex.Unlock()

	// 缓存满时丢弃最旧的条目
	if len(ms.cache) >= ms.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for key, entry := range ms.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}
		delete(ms.cache, oldestKey)
	}

	ms.cache[fullPath] = &cacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}
}

func (ms *MediaStore) invalidateCache(fullPath string) {
	ms.cacheMutex.Lock()
	defer ms.cacheMutex.Unlock()

	delete(ms.cache, fullPath)
}

// startCacheCleanup 启动后台缓存清理
func (ms *MediaStore) startCacheCleanup() {
	ms.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(ms.cacheExpiry)
			defer ticker.Stop()

			for range ticker.C {
				ms.cacheMutex.Lock()
				now := time.Now()
				for key, entry := range ms.cache {
					if now.Sub(entry.Timestamp) > ms.cacheExpiry {
						delete(ms.cache, key)
					}
				}
				ms.cacheMutex.Unlock()
			}
		}()
	})
}
