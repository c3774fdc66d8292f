package matchlist

import (
	"fmt"

	"github.com/haolipeng/conn_matchlist/pkg/domain"
)

// RuleType 规则类型，取值范围是封闭的
type RuleType uint8

const (
	RuleApp      RuleType = iota + 1 // 应用，值为包名
	RuleIP                           // 目的IP地址
	RuleHost                         // 主机/域名，规范化后保存
	RuleProtocol                     // 应用层协议名
	RuleCountry                      // 国家代码
)

// legacyRootDomain 旧版本中的域名规则类型名，加载时迁移为 HOST
const legacyRootDomain = "ROOT_DOMAIN"

var ruleTypeNames = [...]string{
	RuleApp:      "APP",
	RuleIP:       "IP",
	RuleHost:     "HOST",
	RuleProtocol: "PROTOCOL",
	RuleCountry:  "COUNTRY",
}

// RuleTypes 返回所有规则类型
func RuleTypes() []RuleType {
	return []RuleType{RuleApp, RuleIP, RuleHost, RuleProtocol, RuleCountry}
}

func (t RuleType) Valid() bool {
	return t >= RuleApp && t <= RuleCountry
}

func (t RuleType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("RuleType(%d)", uint8(t))
	}
	return ruleTypeNames[t]
}

// ParseRuleType 解析规则类型名称，legacy 表示该名称来自旧的存储格式
func ParseRuleType(name string) (t RuleType, legacy bool, err error) {
	for _, tp := range RuleTypes() {
		if ruleTypeNames[tp] == name {
			return tp, false, nil
		}
	}
	if name == legacyRootDomain {
		return RuleHost, true, nil
	}
	return 0, false, fmt.Errorf("unknown rule type %q", name)
}

func (t RuleType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid rule type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *RuleType) UnmarshalText(text []byte) error {
	tp, _, err := ParseRuleType(string(text))
	if err != nil {
		return err
	}
	*t = tp
	return nil
}

// Rule 名单中的一条规则。两条规则的类型和值都相同即视为相等，Label 仅用于展示
type Rule struct {
	Type  RuleType `json:"type"`
	Value string   `json:"value"`
	Label string   `json:"label,omitempty"`
}

// Equal 比较类型和值
func (r Rule) Equal(other Rule) bool {
	return r.Type == other.Type && r.Value == other.Value
}

func (r Rule) String() string {
	return r.Type.String() + "@" + r.Value
}

type ruleKey struct {
	tp    RuleType
	value string
}

func (r Rule) key() ruleKey {
	return ruleKey{tp: r.Type, value: r.Value}
}

// normalizeValue 按规则类型规范化值，HOST 规则做域名清洗
func normalizeValue(tp RuleType, value string) string {
	if tp == RuleHost {
		return domain.Clean(value)
	}
	return value
}
