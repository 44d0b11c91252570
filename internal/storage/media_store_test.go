// internal/storage/media_store_test.go
package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *MediaStore {
	t.Helper()

	store, err := NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建媒体存储失败: %v", err)
	}
	return store
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	payload := []byte("fake-png-bytes")
	locator, err := store.Save("media/entities/abc", payload, "image/png")
	if err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	if locator != "media/entities/abc.png" {
		t.Errorf("定位符应由key与MIME扩展名组成，实际为%q", locator)
	}

	data, mimeType, err := store.Get(locator)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("读取的字节与保存的不一致")
	}
	if mimeType != "image/png" {
		t.Errorf("MIME类型应从扩展名推断为image/png，实际为%s", mimeType)
	}
}

func TestSaveUnknownMimeType(t *testing.T) {
	store := newTestStore(t)

	locator, err := store.Save("media/blob", []byte("data"), "application/x-custom")
	if err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if !strings.HasSuffix(locator, ".bin") {
		t.Errorf("未知MIME类型应回退到.bin扩展名，实际为%q", locator)
	}
}

func TestGetMissingFile(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.Get("media/no-such-file.png"); err == nil {
		t.Error("读取不存在的文件应返回错误")
	}
	if store.Exists("media/no-such-file.png") {
		t.Error("Exists对不存在的文件应返回false")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	locator, err := store.Save("media/tmp", []byte("x"), "image/png")
	if err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	if err := store.Delete(locator); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if store.Exists(locator) {
		t.Error("删除后文件不应存在")
	}

	// 重复删除不是错误
	if err := store.Delete(locator); err != nil {
		t.Errorf("删除不存在的文件应为no-op，实际返回%v", err)
	}
}

func TestJSONRoundtrip(t *testing.T) {
	store := newTestStore(t)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.SaveJSON("sequences/seq-1.json", &doc{Name: "test", Count: 7}); err != nil {
		t.Fatalf("保存JSON失败: %v", err)
	}

	var loaded doc
	if err := store.LoadJSON("sequences/seq-1.json", &loaded); err != nil {
		t.Fatalf("读取JSON失败: %v", err)
	}
	if loaded.Name != "test" || loaded.Count != 7 {
		t.Errorf("JSON内容不一致: %+v", loaded)
	}
}

func TestListJSON(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := store.SaveJSON("sequences/"+name+".json", map[string]string{"id": name}); err != nil {
			t.Fatalf("保存%s失败: %v", name, err)
		}
	}
	// 非JSON文件不参与列举
	if _, err := store.Save("sequences/image", []byte("x"), "image/png"); err != nil {
		t.Fatalf("保存图像失败: %v", err)
	}

	locators, err := store.ListJSON("sequences")
	if err != nil {
		t.Fatalf("列举失败: %v", err)
	}
	if len(locators) != 3 {
		t.Errorf("应列出3个JSON文档，实际%d个", len(locators))
	}

	// 不存在的目录返回空列表
	empty, err := store.ListJSON("no-such-dir")
	if err != nil {
		t.Fatalf("列举不存在的目录失败: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("不存在的目录应返回空列表，实际%d个", len(empty))
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Save("media/atomic", []byte("data"), "image/png"); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(store.BaseDir, "media"))
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("写入完成后不应残留临时文件: %s", entry.Name())
		}
	}
}

func TestOverwriteInvalidatesCache(t *testing.T) {
	store := newTestStore(t)

	locator, err := store.Save("media/doc", []byte("v1"), "image/png")
	if err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if _, _, err := store.Get(locator); err != nil {
		t.Fatalf("首次读取失败: %v", err)
	}

	// 覆盖写入后读到新内容而不是缓存的旧内容
	if _, err := store.Save("media/doc", []byte("v2"), "image/png"); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}

	data, _, err := store.Get(locator)
	if err != nil {
		t.Fatalf("再次读取失败: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("覆盖后应读到新内容，实际为%q", data)
	}
}
