package resolver

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// appTable 应用表文件格式
type appTable struct {
	Apps []*AppDescriptor `yaml:"apps"`
}

// StaticResolver 基于内存应用表的解析器，应用表可从YAML文件加载，
// 也可在运行时随应用的安装和卸载进行更新
type StaticResolver struct {
	mu     sync.RWMutex
	byUID  map[int]*AppDescriptor
	byName map[string]int
}

// NewStaticResolver 创建解析器
func NewStaticResolver(apps ...*AppDescriptor) *StaticResolver {
	r := &StaticResolver{
		byUID:  make(map[int]*AppDescriptor),
		byName: make(map[string]int),
	}
	for _, app := range apps {
		r.Put(app)
	}
	return r
}

// LoadStaticResolver 从YAML文件加载应用表
func LoadStaticResolver(filePath string) (*StaticResolver, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取应用表失败: %w", err)
	}

	var table appTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("解析应用表失败: %w", err)
	}

	r := NewStaticResolver()
	for _, app := range table.Apps {
		if app == nil || app.PackageName == "" {
			logrus.WithField("file", filePath).Warn("忽略缺少包名的应用")
			continue
		}
		r.Put(app)
	}

	logrus.WithFields(logrus.Fields{
		"file":      filePath,
		"app_count": len(r.byUID),
	}).Info("应用表加载完成")
	return r, nil
}

// Put 添加或更新应用
func (r *StaticResolver) Put(app *AppDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 同一包名重新安装后UID可能变化
	if oldUID, ok := r.byName[app.PackageName]; ok && oldUID != app.UID {
		delete(r.byUID, oldUID)
	}

	cp := *app
	if cp.Name == "" {
		cp.Name = cp.PackageName
	}
	r.byUID[cp.UID] = &cp
	r.byName[cp.PackageName] = cp.UID
}

// Delete 移除应用（卸载）
func (r *StaticResolver) Delete(packageName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.byName[packageName]
	if !ok {
		return
	}
	delete(r.byName, packageName)
	if app, ok := r.byUID[uid]; ok && app.PackageName == packageName {
		delete(r.byUID, uid)
	}
}

func (r *StaticResolver) Get(uid int, flags int) (*AppDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.byUID[uid]
	if !ok {
		return nil, false
	}
	if app.System && flags&FlagSkipSystem != 0 {
		return nil, false
	}
	if app.Virtual && flags&FlagSkipVirtual != 0 {
		return nil, false
	}

	cp := *app
	return &cp, true
}

func (r *StaticResolver) GetUID(packageName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if uid, ok := r.byName[packageName]; ok {
		return uid
	}
	return UIDNoFilter
}

// Len 返回应用数量
func (r *StaticResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUID)
}
