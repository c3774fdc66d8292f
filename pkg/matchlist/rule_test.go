package matchlist

import (
	"encoding/json"
	"testing"

	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestParseRuleType(t *testing.T) {
	for _, tp := range RuleTypes() {
		parsed, legacy, err := ParseRuleType(tp.String())
		require.NoError(t, err)
		assert.False(t, legacy)
		assert.Equal(t, tp, parsed)
	}

	tp, legacy, err := ParseRuleType("ROOT_DOMAIN")
	require.NoError(t, err)
	assert.True(t, legacy)
	assert.Equal(t, RuleHost, tp)

	_, _, err = ParseRuleType("host")
	assert.Error(t, err, "类型名称区分大小写")
	_, _, err = ParseRuleType("")
	assert.Error(t, err)
}

func TestRuleTypeText(t *testing.T) {
	assert.Equal(t, "RuleType(9)", RuleType(9).String())
	assert.False(t, RuleType(0).Valid())

	data, err := json.Marshal(Rule{Type: RuleCountry, Value: "DE"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"COUNTRY","value":"DE"}`, string(data))

	var r Rule
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ROOT_DOMAIN","value":"example.com"}`), &r))
	assert.Equal(t, RuleHost, r.Type)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"NOPE","value":"x"}`), &r))

	_, err = json.Marshal(Rule{Type: RuleType(0)})
	assert.Error(t, err)
}

func TestRuleEqual(t *testing.T) {
	a := Rule{Type: RuleIP, Value: "1.1.1.1", Label: "a"}
	b := Rule{Type: RuleIP, Value: "1.1.1.1", Label: "b"}
	c := Rule{Type: RuleHost, Value: "1.1.1.1"}

	assert.True(t, a.Equal(b), "Label 不参与比较")
	assert.False(t, a.Equal(c))
}

func TestDefaultLabeler(t *testing.T) {
	l := &DefaultLabeler{Resolver: resolver.NewStaticResolver(
		&resolver.AppDescriptor{UID: 10023, PackageName: "com.example.app", Name: "Example"},
	)}

	testCases := []struct {
		tp    RuleType
		value string
		want  string
	}{
		{RuleApp, "com.example.app", "App: Example"},
		{RuleApp, "com.unknown", "App: com.unknown"},
		{RuleIP, "1.2.3.4", "IP: 1.2.3.4"},
		{RuleHost, "Example.COM.", "Host: example.com"},
		{RuleProtocol, "TLS", "Protocol: TLS"},
		{RuleCountry, "DE", "Country: Germany"},
		{RuleCountry, "not-a-country", "Country: not-a-country"},
		{RuleType(0), "x", ""},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, l.Label(tc.tp, tc.value))
	}

	it := &DefaultLabeler{Language: language.Italian}
	assert.Equal(t, "Country: Germania", it.Label(RuleCountry, "DE"))

	noResolver := &DefaultLabeler{}
	assert.Equal(t, "App: com.example.app", noResolver.Label(RuleApp, "com.example.app"))
}

func TestWithLabeler(t *testing.T) {
	m := New("custom", nil, nil, WithLabeler(LabelerFunc(func(tp RuleType, value string) string {
		return "<" + value + ">"
	})))
	require.True(t, m.AddIP("1.1.1.1"))
	assert.Equal(t, "<1.1.1.1>", m.Rules()[0].Label)

	assert.False(t, m.AddApp("com.example.app"), "没有解析器时应用规则无法添加")
}
