// Package matchlist 实现持久化的连接匹配名单。
//
// 名单由若干规则组成（应用、IP、主机、协议、国家），可用作黑名单、白名单
// 或应用选择过滤器。应用规则以包名保存以便跨设备迁移，匹配时则使用运行时
// 的数字UID以保证查找速度。
//
// MatchList 内部的规则列表、索引与UID集合始终保持一致，所有读写都通过
// MatchList 的方法完成。匹配操作只持有读锁，可以与管理接口并发执行。
package matchlist

import (
	"iter"
	"slices"
	"strconv"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/domain"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/haolipeng/conn_matchlist/pkg/store"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

// indexEntry 索引项，APP 规则记录插入时解析得到的UID
type indexEntry struct {
	rule Rule
	uid  int
}

// MatchList 绑定到一个持久化槽位的规则名单
type MatchList struct {
	name     string
	store    store.KVStore
	resolver resolver.AppResolver
	labeler  Labeler
	log      *logrus.Entry

	mu    sync.RWMutex
	rules []Rule                  // 按插入顺序保存，只追加或整体替换
	index map[ruleKey]*indexEntry // (类型, 值) -> 规则
	uids  map[int]int             // UID -> 引用该UID的APP规则数

	listeners listenerRegistry
}

// Option MatchList 的可选配置
type Option func(*MatchList)

// WithLabeler 设置规则展示文本的生成方式
func WithLabeler(l Labeler) Option {
	return func(m *MatchList) {
		m.labeler = l
	}
}

// WithLogger 设置日志输出
func WithLogger(entry *logrus.Entry) Option {
	return func(m *MatchList) {
		m.log = entry
	}
}

// New 创建一个空名单，不从存储加载。
// name 同时是存储中的键，st 为 nil 时名单不能保存和重新加载。
func New(name string, st store.KVStore, res resolver.AppResolver, opts ...Option) *MatchList {
	m := &MatchList{
		name:     name,
		store:    st,
		resolver: res,
		index:    make(map[ruleKey]*indexEntry),
		uids:     make(map[int]int),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.labeler == nil {
		m.labeler = &DefaultLabeler{Resolver: res}
	}
	if m.log == nil {
		m.log = logrus.WithField("list", name)
	}
	return m
}

// Load 创建名单并从存储加载规则，必要时迁移旧格式并立即保存
func Load(name string, st store.KVStore, res resolver.AppResolver, opts ...Option) (*MatchList, error) {
	m := New(name, st, res, opts...)
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Name 返回名单名称（存储键）
func (m *MatchList) Name() string {
	return m.name
}

// Scratch 创建与当前名单共用解析器和标签生成器的临时名单，不绑定存储，
// 用于先收集规则再通过 AddRules 一次性合并
func (m *MatchList) Scratch() *MatchList {
	return New("", nil, m.resolver, WithLabeler(m.labeler), WithLogger(m.log))
}

func (m *MatchList) newRule(tp RuleType, value string) Rule {
	return Rule{Type: tp, Value: value, Label: m.labeler.Label(tp, value)}
}

func (m *MatchList) uidOf(packageName string) int {
	if m.resolver == nil {
		return resolver.UIDNoFilter
	}
	return m.resolver.GetUID(packageName)
}

func (m *MatchList) appOf(uid int) (*resolver.AppDescriptor, bool) {
	if m.resolver == nil {
		return nil, false
	}
	return m.resolver.Get(uid, resolver.FlagNone)
}

// insertLocked 插入一条规则，调用者必须持有写锁
func (m *MatchList) insertLocked(rule Rule) bool {
	key := rule.key()
	if _, exists := m.index[key]; exists {
		return false
	}

	uid := resolver.UIDNoFilter
	if rule.Type == RuleApp {
		// 匹配时使用UID
		uid = m.uidOf(rule.Value)
		if uid == resolver.UIDNoFilter {
			m.log.WithField("package", rule.Value).Warn("无法解析应用UID，忽略规则")
			return false
		}
		m.uids[uid]++
	}

	m.rules = append(m.rules, rule)
	m.index[key] = &indexEntry{rule: rule, uid: uid}
	return true
}

// resetLocked 清空所有数据，调用者必须持有写锁
func (m *MatchList) resetLocked() {
	m.rules = nil
	m.index = make(map[ruleKey]*indexEntry)
	m.uids = make(map[int]int)
}

// AddRule 添加一条规则，返回是否真正添加。
// 规则已存在、值为空或应用包名无法解析时返回 false。
func (m *MatchList) AddRule(tp RuleType, value string) bool {
	if !tp.Valid() {
		m.log.WithField("rule_type", tp.String()).Warn("无效的规则类型")
		return false
	}

	value = normalizeValue(tp, value)
	if value == "" {
		m.log.WithField("rule_type", tp.String()).Warn("规则值为空，忽略")
		return false
	}
	rule := m.newRule(tp, value)

	m.mu.Lock()
	added := m.insertLocked(rule)
	m.mu.Unlock()

	if added {
		m.log.WithFields(logrus.Fields{
			"rule_type": tp.String(),
			"value":     value,
			"operation": "add",
		}).Debug("规则已添加")
		m.listeners.notify()
	}
	return added
}

func (m *MatchList) AddApp(packageName string) bool { return m.AddRule(RuleApp, packageName) }
func (m *MatchList) AddIP(ip string) bool           { return m.AddRule(RuleIP, ip) }
func (m *MatchList) AddHost(host string) bool       { return m.AddRule(RuleHost, host) }
func (m *MatchList) AddProto(proto string) bool     { return m.AddRule(RuleProtocol, proto) }
func (m *MatchList) AddCountry(code string) bool    { return m.AddRule(RuleCountry, code) }

// AddAppUID 通过UID添加应用规则，规则中保存的是UID对应的包名
func (m *MatchList) AddAppUID(uid int) bool {
	app, ok := m.appOf(uid)
	if !ok {
		m.log.WithField("uid", uid).Warn("无法解析UID")
		return false
	}
	return m.AddApp(app.PackageName)
}

// AddRules 合并另一个名单的规则，返回新增的规则数。
// 重复规则和无法解析的应用规则被跳过，新增数大于0时只通知一次。
func (m *MatchList) AddRules(other *MatchList) int {
	if other == nil {
		return 0
	}
	toAdd := other.Rules()

	m.mu.Lock()
	added := 0
	for _, rule := range toAdd {
		if m.insertLocked(rule) {
			added++
		}
	}
	m.mu.Unlock()

	if added > 0 {
		m.log.WithFields(logrus.Fields{
			"added":     added,
			"operation": "merge",
		}).Info("名单规则已合并")
		m.listeners.notify()
	}
	return added
}

// RemoveRule 按类型和值删除规则，返回是否删除了规则
func (m *MatchList) RemoveRule(rule Rule) bool {
	key := ruleKey{tp: rule.Type, value: normalizeValue(rule.Type, rule.Value)}

	m.mu.Lock()
	entry, exists := m.index[key]
	if exists {
		delete(m.index, key)

		// 复制而不是原地修改，IterRules 可能持有旧的切片
		idx := slices.IndexFunc(m.rules, func(r Rule) bool { return r.key() == key })
		rules := make([]Rule, 0, len(m.rules)-1)
		rules = append(rules, m.rules[:idx]...)
		m.rules = append(rules, m.rules[idx+1:]...)

		if key.tp == RuleApp {
			// 使用插入时记录的UID，应用卸载后也能正确移除
			if m.uids[entry.uid] <= 1 {
				delete(m.uids, entry.uid)
			} else {
				m.uids[entry.uid]--
			}
		}
	}
	m.mu.Unlock()

	if exists {
		m.log.WithFields(logrus.Fields{
			"rule_type": key.tp.String(),
			"value":     key.value,
			"operation": "remove",
		}).Debug("规则已删除")
		m.listeners.notify()
	}
	return exists
}

func (m *MatchList) RemoveApp(packageName string) bool {
	return m.RemoveRule(Rule{Type: RuleApp, Value: packageName})
}
func (m *MatchList) RemoveIP(ip string) bool {
	return m.RemoveRule(Rule{Type: RuleIP, Value: ip})
}
func (m *MatchList) RemoveHost(host string) bool {
	return m.RemoveRule(Rule{Type: RuleHost, Value: host})
}
func (m *MatchList) RemoveProto(proto string) bool {
	return m.RemoveRule(Rule{Type: RuleProtocol, Value: proto})
}
func (m *MatchList) RemoveCountry(code string) bool {
	return m.RemoveRule(Rule{Type: RuleCountry, Value: code})
}

// RemoveAppUID 通过UID删除应用规则
func (m *MatchList) RemoveAppUID(uid int) bool {
	app, ok := m.appOf(uid)
	if !ok {
		m.log.WithField("uid", uid).Warn("无法解析UID")
		return false
	}
	return m.RemoveApp(app.PackageName)
}

// Clear 清空名单，notify 为 true 且清空前名单非空时通知监听器
func (m *MatchList) Clear(notify bool) {
	m.mu.Lock()
	hadRules := len(m.rules) > 0
	m.resetLocked()
	m.mu.Unlock()

	if notify && hadRules {
		m.listeners.notify()
	}
}

func (m *MatchList) MatchesApp(uid int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uids[uid] > 0
}

func (m *MatchList) MatchesIP(ip string) bool {
	return m.contains(RuleIP, ip)
}

func (m *MatchList) MatchesProto(l7proto string) bool {
	return m.contains(RuleProtocol, l7proto)
}

func (m *MatchList) MatchesCountry(code string) bool {
	return m.contains(RuleCountry, code)
}

// MatchesExactHost 仅做精确的主机匹配
func (m *MatchList) MatchesExactHost(host string) bool {
	return m.contains(RuleHost, domain.Clean(host))
}

// MatchesHost 先精确匹配主机，再匹配其二级域名，
// 因此 example.com 的规则也能匹配 sub.example.com
func (m *MatchList) MatchesHost(host string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matchesHostLocked(host)
}

func (m *MatchList) contains(tp RuleType, value string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[ruleKey{tp: tp, value: value}]
	return ok
}

func (m *MatchList) matchesHostLocked(host string) bool {
	host = domain.Clean(host)
	if host == "" {
		return false
	}
	if _, ok := m.index[ruleKey{tp: RuleHost, value: host}]; ok {
		return true
	}

	root := domain.SecondLevel(host)
	if root == host {
		return false
	}
	_, ok := m.index[ruleKey{tp: RuleHost, value: root}]
	return ok
}

// Matches 判断连接是否命中名单中的任意一条规则
func (m *MatchList) Matches(conn *types.Connection) bool {
	if conn == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.index) == 0 {
		return false
	}

	if m.uids[conn.UID] > 0 {
		return true
	}
	if _, ok := m.index[ruleKey{tp: RuleIP, value: conn.DstIP}]; ok {
		return true
	}
	if _, ok := m.index[ruleKey{tp: RuleProtocol, value: conn.L7Proto}]; ok {
		return true
	}
	if _, ok := m.index[ruleKey{tp: RuleCountry, value: conn.Country}]; ok {
		return true
	}
	return conn.HasInfo() && m.matchesHostLocked(conn.Info)
}

// IterRules 按插入顺序遍历开始时的规则快照，遍历期间修改名单不影响本次遍历
func (m *MatchList) IterRules() iter.Seq[Rule] {
	return func(yield func(Rule) bool) {
		m.mu.RLock()
		rules := m.rules
		m.mu.RUnlock()

		for _, rule := range rules {
			if !yield(rule) {
				return
			}
		}
	}
}

// Rules 返回规则列表的副本
func (m *MatchList) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.rules)
}

func (m *MatchList) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

func (m *MatchList) IsEmpty() bool {
	return m.Size() == 0
}

// Subscribe 注册名单变化监听器
func (m *MatchList) Subscribe(l ListChangeListener) Subscription {
	return m.listeners.add(l)
}

// Unsubscribe 取消注册，返回句柄是否存在
func (m *MatchList) Unsubscribe(s Subscription) bool {
	return m.listeners.remove(s)
}

// ToListDescriptor 将名单转换为外部过滤引擎使用的描述。
// 仅支持 APP、IP、HOST 规则，应用以UID表示，exemptions 中的应用被排除。
func (m *MatchList) ToListDescriptor(exemptions Exemptions) ListDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	desc := ListDescriptor{
		Apps:  []string{},
		Hosts: []string{},
		IPs:   []string{},
	}
	seen := make(map[int]bool)

	for _, rule := range m.rules {
		switch rule.Type {
		case RuleHost:
			desc.Hosts = append(desc.Hosts, rule.Value)
		case RuleIP:
			desc.IPs = append(desc.IPs, rule.Value)
		case RuleApp:
			uid := m.index[rule.key()].uid
			if seen[uid] {
				continue
			}
			seen[uid] = true
			if exemptions != nil && exemptions.ContainsApp(uid) {
				continue
			}
			desc.Apps = append(desc.Apps, strconv.Itoa(uid))
		default:
			m.log.WithField("rule_type", rule.Type.String()).Warn("ListDescriptor 不支持该规则类型")
		}
	}
	return desc
}
