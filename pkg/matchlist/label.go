package matchlist

import (
	"github.com/haolipeng/conn_matchlist/pkg/domain"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Labeler 生成规则的展示文本
type Labeler interface {
	Label(tp RuleType, value string) string
}

// LabelerFunc 函数形式的 Labeler
type LabelerFunc func(tp RuleType, value string) string

func (f LabelerFunc) Label(tp RuleType, value string) string {
	return f(tp, value)
}

// DefaultLabeler 默认的展示文本格式，例如 "App: Example"、"Country: Germany"
type DefaultLabeler struct {
	Resolver resolver.AppResolver
	Language language.Tag // 国家名称使用的语言，缺省为英语
}

var labelPrefixes = [...]string{
	RuleApp:      "App",
	RuleIP:       "IP",
	RuleHost:     "Host",
	RuleProtocol: "Protocol",
	RuleCountry:  "Country",
}

func (l *DefaultLabeler) Label(tp RuleType, value string) string {
	if !tp.Valid() {
		return ""
	}

	switch tp {
	case RuleApp:
		value = l.appName(value)
	case RuleHost:
		value = domain.Clean(value)
	case RuleCountry:
		value = l.countryName(value)
	}
	return labelPrefixes[tp] + ": " + value
}

func (l *DefaultLabeler) appName(packageName string) string {
	if l.Resolver == nil {
		return packageName
	}
	uid := l.Resolver.GetUID(packageName)
	if uid == resolver.UIDNoFilter {
		return packageName
	}
	if app, ok := l.Resolver.Get(uid, resolver.FlagNone); ok && app.Name != "" {
		return app.Name
	}
	return packageName
}

func (l *DefaultLabeler) countryName(code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}

	tag := l.Language
	if tag == language.Und {
		tag = language.English
	}
	if name := display.Regions(tag).Name(region); name != "" {
		return name
	}
	return code
}
