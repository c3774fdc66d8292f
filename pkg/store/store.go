// Package store 提供名单持久化所需的键值存储
package store

import (
	"fmt"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/types"
)

// 存储类型
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeSQLite = "sqlite"
)

// KVStore 键值存储接口，每个名单占用一个键
type KVStore interface {
	// Read 读取键对应的值，键不存在时 ok 为 false
	Read(key string) (value string, ok bool, err error)
	// Write 写入键值
	Write(key, value string) error
	Close() error
}

// Open 根据存储类型创建存储
func Open(storeType, path string) (KVStore, error) {
	switch storeType {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeFile:
		return NewFileStore(path)
	case TypeSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", storeType)
	}
}

// MemoryStore 内存存储，主要用于测试
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]string
	writes int
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Read(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, types.ErrStoreClosed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Write(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}
	s.data[key] = value
	s.writes++
	return nil
}

// Writes 返回写入次数
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
