package matchlist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

var errNoStore = errors.New("match list has no store")

// serializedRule 持久化格式中的一条规则
type serializedRule struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type document struct {
	Rules []serializedRule `json:"rules"`
}

// ToJSON 序列化为 {"rules":[{"type":"HOST","value":"example.com"}]}
func (m *MatchList) ToJSON(pretty bool) (string, error) {
	m.mu.RLock()
	doc := document{Rules: make([]serializedRule, 0, len(m.rules))}
	for _, rule := range m.rules {
		doc.Rules = append(doc.Rules, serializedRule{Type: rule.Type.String(), Value: rule.Value})
	}
	m.mu.RUnlock()

	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return "", fmt.Errorf("序列化名单失败: %w", err)
	}
	return string(data), nil
}

// FromJSON 用文档中的规则替换名单内容，返回是否发生了格式迁移。
// 文档整体无法解析时返回 types.ErrMalformedDocument，名单保持不变；
// 单条规则无效时跳过该条规则。规则序列发生变化时才通知监听者。
func (m *MatchList) FromJSON(text string) (migrated bool, err error) {
	migrated, changed, err := m.replace(text)
	if err != nil {
		return false, err
	}
	if changed {
		m.listeners.notify()
	}
	return migrated, nil
}

// replace 解析文档并替换名单内容，不通知监听者
func (m *MatchList) replace(text string) (migrated, changed bool, err error) {
	var raw struct {
		Rules *[]json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return false, false, fmt.Errorf("%w: %v", types.ErrMalformedDocument, err)
	}
	if raw.Rules == nil {
		return false, false, fmt.Errorf("%w: missing rules array", types.ErrMalformedDocument)
	}

	parsed := make([]Rule, 0, len(*raw.Rules))
	for i, el := range *raw.Rules {
		rule, ruleMigrated, ok := m.decodeRule(i, el)
		if !ok {
			continue
		}
		migrated = migrated || ruleMigrated
		parsed = append(parsed, rule)
	}

	m.mu.Lock()
	old := m.rules
	m.resetLocked()
	for _, rule := range parsed {
		m.insertLocked(rule)
	}
	changed = !slices.EqualFunc(old, m.rules, func(a, b Rule) bool { return a.key() == b.key() })
	m.mu.Unlock()

	return migrated, changed, nil
}

// decodeRule 解析单条规则并处理旧格式：
// ROOT_DOMAIN 类型迁移为 HOST，以UID保存的 APP 规则迁移为包名
func (m *MatchList) decodeRule(i int, el json.RawMessage) (rule Rule, migrated, ok bool) {
	log := m.log.WithField("entry", i)

	var entry struct {
		Type  *string         `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(el, &entry); err != nil {
		log.WithError(err).Warn("忽略格式错误的规则")
		return Rule{}, false, false
	}
	if entry.Type == nil {
		log.Warn("忽略缺少类型的规则")
		return Rule{}, false, false
	}
	value, ok := scalarString(entry.Value)
	if !ok {
		log.Warn("忽略缺少值的规则")
		return Rule{}, false, false
	}

	tp, legacy, err := ParseRuleType(*entry.Type)
	if err != nil {
		log.WithError(err).Warn("忽略未知类型的规则")
		return Rule{}, false, false
	}
	if legacy {
		log.WithField("value", value).Infof("%s 已迁移为 %s", *entry.Type, tp)
		migrated = true
	}

	if tp == RuleApp {
		if uid, err := strconv.Atoi(value); err == nil {
			app, found := m.appOf(uid)
			if !found {
				// 应用可能已被卸载
				log.WithField("uid", uid).Warn("忽略未知UID的应用规则")
				return Rule{}, false, false
			}
			log.WithFields(logrus.Fields{
				"uid":     uid,
				"package": app.PackageName,
			}).Info("UID已解析为包名")
			value = app.PackageName
			migrated = true
		}
	}

	value = normalizeValue(tp, value)
	if value == "" {
		log.Warn("忽略值为空的规则")
		return Rule{}, false, false
	}
	return m.newRule(tp, value), migrated, true
}

// scalarString 接受JSON字符串或数字
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Save 将名单写入存储，存储中的内容与当前名单一致时不重复写入
func (m *MatchList) Save() error {
	if m.store == nil {
		return errNoStore
	}

	data, err := m.ToJSON(false)
	if err != nil {
		return err
	}

	cur, ok, err := m.store.Read(m.name)
	if err != nil {
		return fmt.Errorf("保存名单 %s 失败: %w", m.name, err)
	}
	if ok && cur == data {
		return nil
	}
	if err := m.store.Write(m.name, data); err != nil {
		return fmt.Errorf("保存名单 %s 失败: %w", m.name, err)
	}
	return nil
}

// Reload 从存储重新加载名单。存储中没有数据时名单被清空；
// 加载过程中发生了格式迁移时先保存一次新格式，再通知监听者。
func (m *MatchList) Reload() error {
	if m.store == nil {
		return errNoStore
	}

	data, ok, err := m.store.Read(m.name)
	if err != nil {
		return fmt.Errorf("读取名单 %s 失败: %w", m.name, err)
	}
	if !ok || strings.TrimSpace(data) == "" {
		m.Clear(true)
		return nil
	}

	migrated, changed, err := m.replace(data)
	if err != nil {
		m.log.WithError(err).Error("加载名单失败")
		return err
	}

	m.log.WithField("rule_count", m.Size()).Debug("名单已加载")
	var saveErr error
	if migrated {
		m.log.Info("名单格式已迁移，保存新格式")
		saveErr = m.Save()
	}
	if changed {
		m.listeners.notify()
	}
	return saveErr
}
