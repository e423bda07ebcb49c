package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Repository 抽象“整体读、整体写”的快照持久化语义。
// 默认实现是 JSON 文件，后续可以替换为增量日志或嵌入式存储。
type Repository interface {
	// Load 将最近一次保存的快照反序列化到 v；文件不存在时返回 ErrNotExist。
	Load(v any) error
	// Save 将 v 序列化后整体覆盖写入。
	Save(v any) error
}

// ErrNotExist 表示快照从未被保存过。
var ErrNotExist = errors.New("snapshot does not exist")

// Document 是基于单个 JSON 文件的 Repository 实现。
// 写入通过临时文件加重命名完成，避免进程中断留下半截文档。
type Document struct {
	mu   sync.Mutex
	path string
}

// NewDocument 创建指向 path 的 JSON 快照文档。
func NewDocument(path string) (*Document, error) {
	if path == "" {
		return nil, errors.New("快照文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建快照目录失败: %w", err)
	}
	return &Document{path: path}, nil
}

// Load 实现 Repository 接口。
func (d *Document) Load(v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	content, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("读取快照失败: %w", err)
	}
	if len(content) == 0 {
		return ErrNotExist
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析快照失败: %w", err)
	}
	return nil
}

// Save 实现 Repository 接口。
func (d *Document) Save(v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("替换快照失败: %w", err)
	}
	return nil
}

// Memory 将快照保存在进程内，主要用于测试。
type Memory struct {
	mu    sync.Mutex
	data  []byte
	saved bool
	// Saves 记录 Save 被调用的次数，便于测试断言“每次变更都持久化”。
	Saves int
}

// NewMemory 创建内存快照。
func NewMemory() *Memory {
	return &Memory{}
}

// Load 实现 Repository 接口。
func (m *Memory) Load(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return ErrNotExist
	}
	return json.Unmarshal(m.data, v)
}

// Save 实现 Repository 接口。
func (m *Memory) Save(v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = content
	m.saved = true
	m.Saves++
	m.mu.Unlock()
	return nil
}

var (
	_ Repository = (*Document)(nil)
	_ Repository = (*Memory)(nil)
)
