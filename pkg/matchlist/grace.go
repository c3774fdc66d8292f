package matchlist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/store"
	"github.com/sirupsen/logrus"
)

// GraceList 应用的临时豁免名单，每个应用豁免到指定的过期时间。
// 它实现了 Exemptions，在生成 ListDescriptor 时排除仍在豁免期内的应用。
type GraceList struct {
	mu    sync.Mutex
	key   string
	store store.KVStore
	apps  map[int]time.Time // UID -> 过期时间
	now   func() time.Time
}

type graceEntry struct {
	UID     int   `json:"uid"`
	Expires int64 `json:"expires"` // Unix毫秒
}

type graceDocument struct {
	Apps []graceEntry `json:"apps"`
}

// NewGraceList 创建豁免名单，st 为 nil 时不持久化
func NewGraceList(key string, st store.KVStore) *GraceList {
	return &GraceList{
		key:   key,
		store: st,
		apps:  make(map[int]time.Time),
		now:   time.Now,
	}
}

// AddApp 豁免应用 d 时长，已豁免的应用会更新过期时间
func (g *GraceList) AddApp(uid int, d time.Duration) bool {
	if d <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	expires := g.now().Add(d)
	if cur, ok := g.apps[uid]; ok && !cur.Before(expires) {
		return false
	}
	g.apps[uid] = expires
	return true
}

func (g *GraceList) RemoveApp(uid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.apps[uid]; !ok {
		return false
	}
	delete(g.apps, uid)
	return true
}

// ContainsApp 判断应用是否仍在豁免期内
func (g *GraceList) ContainsApp(uid int) bool {
	if g == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	expires, ok := g.apps[uid]
	return ok && g.now().Before(expires)
}

// Cleanup 移除已过期的应用，返回被移除的UID
func (g *GraceList) Cleanup() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var expired []int
	for uid, expires := range g.apps {
		if !now.Before(expires) {
			expired = append(expired, uid)
			delete(g.apps, uid)
		}
	}
	sort.Ints(expired)
	return expired
}

// NextExpiry 返回最近的过期时间
func (g *GraceList) NextExpiry() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next time.Time
	for _, expires := range g.apps {
		if next.IsZero() || expires.Before(next) {
			next = expires
		}
	}
	return next, !next.IsZero()
}

func (g *GraceList) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.apps)
}

// Save 持久化豁免名单
func (g *GraceList) Save() error {
	if g.store == nil {
		return errNoStore
	}

	g.mu.Lock()
	doc := graceDocument{Apps: make([]graceEntry, 0, len(g.apps))}
	for uid, expires := range g.apps {
		doc.Apps = append(doc.Apps, graceEntry{UID: uid, Expires: expires.UnixMilli()})
	}
	g.mu.Unlock()

	sort.Slice(doc.Apps, func(i, j int) bool { return doc.Apps[i].UID < doc.Apps[j].UID })
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("序列化豁免名单失败: %w", err)
	}
	return g.store.Write(g.key, string(data))
}

// Reload 从存储加载豁免名单，已过期的条目被丢弃
func (g *GraceList) Reload() error {
	if g.store == nil {
		return errNoStore
	}

	data, ok, err := g.store.Read(g.key)
	if err != nil {
		return fmt.Errorf("读取豁免名单失败: %w", err)
	}

	apps := make(map[int]time.Time)
	if ok && strings.TrimSpace(data) != "" {
		var doc graceDocument
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			logrus.WithFields(logrus.Fields{
				"key":   g.key,
				"error": err.Error(),
			}).Error("豁免名单格式错误")
			return fmt.Errorf("解析豁免名单失败: %w", err)
		}

		now := g.now()
		for _, e := range doc.Apps {
			expires := time.UnixMilli(e.Expires)
			if now.Before(expires) {
				apps[e.UID] = expires
			}
		}
	}

	g.mu.Lock()
	g.apps = apps
	g.mu.Unlock()
	return nil
}
