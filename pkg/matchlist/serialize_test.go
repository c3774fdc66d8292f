package matchlist

import (
	"encoding/json"
	"testing"

	"github.com/haolipeng/conn_matchlist/pkg/store"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSON(t *testing.T) {
	m, _, _ := newTestList(t)

	data, err := m.ToJSON(false)
	require.NoError(t, err)
	assert.Equal(t, `{"rules":[]}`, data, "空名单也要输出 rules 数组")

	require.True(t, m.AddApp("com.example.app"))
	require.True(t, m.AddHost("Example.com"))

	data, err = m.ToJSON(false)
	require.NoError(t, err)
	assert.Equal(t, `{"rules":[{"type":"APP","value":"com.example.app"},{"type":"HOST","value":"example.com"}]}`, data)

	pretty, err := m.ToJSON(true)
	require.NoError(t, err)
	assert.Contains(t, pretty, "\n  \"rules\": [")
	assert.JSONEq(t, data, pretty)
}

func TestJSONRoundTrip(t *testing.T) {
	m, res, _ := newTestList(t)
	require.True(t, m.AddCountry("DE"))
	require.True(t, m.AddApp("com.other.app"))
	require.True(t, m.AddIP("2001:db8::1"))
	require.True(t, m.AddHost("example.org"))
	require.True(t, m.AddProto("DNS"))
	require.True(t, m.AddApp("com.example.app"))

	data, err := m.ToJSON(false)
	require.NoError(t, err)

	loaded := New("copy", nil, res)
	migrated, err := loaded.FromJSON(data)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, ruleKeys(m.Rules()), ruleKeys(loaded.Rules()))
	assert.True(t, loaded.MatchesApp(10023))
	assert.True(t, loaded.MatchesApp(10024))
}

func TestFromJSONMalformedDocument(t *testing.T) {
	docs := []string{
		"",
		"not json",
		"[]",
		"null",
		"{}",
		`{"rules": 5}`,
		`{"rules": null}`,
		`{"rules": [`,
	}

	for _, doc := range docs {
		t.Run(doc, func(t *testing.T) {
			m, _, _ := newTestList(t)
			require.True(t, m.AddIP("1.2.3.4"))

			l := &countListener{}
			m.Subscribe(l)

			migrated, err := m.FromJSON(doc)
			assert.ErrorIs(t, err, types.ErrMalformedDocument)
			assert.False(t, migrated)
			assert.Equal(t, []string{"IP@1.2.3.4"}, ruleKeys(m.Rules()), "加载失败时名单应保持不变")
			assert.Equal(t, 0, l.Count())
			assert.False(t, m.Matches(&types.Connection{UID: types.UIDUnknown, DstIP: "5.5.5.5"}))
		})
	}
}

func TestFromJSONSkipsMalformedEntries(t *testing.T) {
	m, _, _ := newTestList(t)

	doc := `{"rules":[
		{"type":"FOO","value":"x"},
		{"value":"1.1.1.1"},
		{"type":"IP"},
		"just a string",
		{"type":5,"value":"x"},
		{"type":"IP","value":null},
		{"type":"IP","value":{"nested":true}},
		{"type":"HOST","value":"."},
		{"type":"APP","value":"com.unknown"},
		{"type":"IP","value":"1.1.1.1"},
		{"type":"IP","value":"1.1.1.1"},
		{"type":"COUNTRY","value":"IT"}
	]}`

	migrated, err := m.FromJSON(doc)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, []string{"IP@1.1.1.1", "COUNTRY@IT"}, ruleKeys(m.Rules()))
}

func TestFromJSONReplacesContents(t *testing.T) {
	m, _, _ := newTestList(t)
	require.True(t, m.AddIP("9.9.9.9"))
	require.True(t, m.AddApp("com.other.app"))

	l := &countListener{}
	m.Subscribe(l)

	_, err := m.FromJSON(`{"rules":[{"type":"HOST","value":"example.com"}]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"HOST@example.com"}, ruleKeys(m.Rules()))
	assert.False(t, m.MatchesApp(10024))
	assert.Equal(t, 1, l.Count(), "加载只通知一次")
}

func TestReloadMigratesRootDomain(t *testing.T) {
	m, _, st := newTestList(t)
	require.NoError(t, st.Write("blocklist", `{"rules":[{"type":"ROOT_DOMAIN","value":"Example.com"},{"type":"IP","value":"1.2.3.4"}]}`))
	writesBefore := st.Writes()

	require.NoError(t, m.Reload())
	assert.Equal(t, []string{"HOST@example.com", "IP@1.2.3.4"}, ruleKeys(m.Rules()))
	assert.Equal(t, writesBefore+1, st.Writes(), "迁移后应恰好保存一次")

	saved, ok, err := st.Read("blocklist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"rules":[{"type":"HOST","value":"example.com"},{"type":"IP","value":"1.2.3.4"}]}`, saved)

	// 再次加载不会重复迁移
	require.NoError(t, m.Reload())
	assert.Equal(t, writesBefore+1, st.Writes())
}

func TestReloadMigratesAppUID(t *testing.T) {
	m, _, st := newTestList(t)
	require.NoError(t, st.Write("blocklist", `{"rules":[{"type":"APP","value":"10023"},{"type":"APP","value":10024}]}`))
	writesBefore := st.Writes()

	require.NoError(t, m.Reload())
	assert.Equal(t, []string{"APP@com.example.app", "APP@com.other.app"}, ruleKeys(m.Rules()))
	assert.True(t, m.MatchesApp(10023))
	assert.Equal(t, writesBefore+1, st.Writes())

	saved, _, err := st.Read("blocklist")
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal([]byte(saved), &doc))
	assert.Equal(t, []serializedRule{
		{Type: "APP", Value: "com.example.app"},
		{Type: "APP", Value: "com.other.app"},
	}, doc.Rules)
}

func TestReloadUnchangedDoesNotNotify(t *testing.T) {
	m, _, st := newTestList(t)
	require.True(t, m.AddHost("example.com"))
	require.True(t, m.AddIP("1.2.3.4"))
	require.NoError(t, m.Save())

	l := &countListener{}
	m.Subscribe(l)
	writesBefore := st.Writes()

	require.NoError(t, m.Reload())
	assert.Equal(t, 0, l.Count(), "内容未变化的加载不应通知")
	assert.Equal(t, writesBefore, st.Writes())

	// 顺序不同也算变化
	require.NoError(t, st.Write("blocklist", `{"rules":[{"type":"IP","value":"1.2.3.4"},{"type":"HOST","value":"example.com"}]}`))
	require.NoError(t, m.Reload())
	assert.Equal(t, 1, l.Count())
}

func TestReloadMigrationWithSavingListener(t *testing.T) {
	m, _, st := newTestList(t)
	m.Subscribe(ListChangeFunc(func() {
		require.NoError(t, m.Save())
	}))
	require.NoError(t, st.Write("blocklist", `{"rules":[{"type":"ROOT_DOMAIN","value":"a.com"}]}`))
	writesBefore := st.Writes()

	require.NoError(t, m.Reload())
	assert.Equal(t, writesBefore+1, st.Writes(), "迁移加载只写入一次")

	require.NoError(t, m.Reload())
	assert.Equal(t, writesBefore+1, st.Writes(), "再次加载不应写入")
}

func TestSaveSkipsUnchangedContent(t *testing.T) {
	m, _, st := newTestList(t)
	require.True(t, m.AddIP("1.2.3.4"))

	require.NoError(t, m.Save())
	writes := st.Writes()
	require.NoError(t, m.Save())
	assert.Equal(t, writes, st.Writes())

	require.True(t, m.AddIP("5.6.7.8"))
	require.NoError(t, m.Save())
	assert.Equal(t, writes+1, st.Writes())
}

func TestReloadDropsUnknownUID(t *testing.T) {
	m, _, st := newTestList(t)
	require.NoError(t, st.Write("blocklist", `{"rules":[{"type":"APP","value":"55555"}]}`))
	writesBefore := st.Writes()

	require.NoError(t, m.Reload())
	assert.True(t, m.IsEmpty(), "无法解析的UID规则应被丢弃")
	assert.Equal(t, writesBefore, st.Writes(), "没有迁移时不应保存")
}

func TestReloadEmptyStore(t *testing.T) {
	m, _, st := newTestList(t)

	require.NoError(t, m.Reload())
	assert.True(t, m.IsEmpty())

	require.True(t, m.AddIP("1.2.3.4"))
	l := &countListener{}
	m.Subscribe(l)

	require.NoError(t, st.Write("blocklist", ""))
	require.NoError(t, m.Reload())
	assert.True(t, m.IsEmpty())
	assert.Equal(t, 1, l.Count())
}

func TestReloadMalformedDocument(t *testing.T) {
	m, _, st := newTestList(t)
	require.True(t, m.AddIP("1.2.3.4"))
	require.NoError(t, st.Write("blocklist", "{broken"))

	err := m.Reload()
	assert.ErrorIs(t, err, types.ErrMalformedDocument)
	assert.Equal(t, 1, m.Size())
}

func TestReloadStoreError(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Close())

	m := New("blocklist", st, newTestResolver())
	assert.ErrorIs(t, m.Reload(), types.ErrStoreClosed)
	assert.ErrorIs(t, m.Save(), types.ErrStoreClosed)
}

func TestSaveAndLoad(t *testing.T) {
	m, res, st := newTestList(t)
	require.True(t, m.AddApp("com.example.app"))
	require.True(t, m.AddHost("example.com"))
	require.NoError(t, m.Save())

	loaded, err := Load("blocklist", st, res)
	require.NoError(t, err)
	assert.Equal(t, ruleKeys(m.Rules()), ruleKeys(loaded.Rules()))

	require.NoError(t, st.Write("broken", "]"))
	_, err = Load("broken", st, res)
	assert.ErrorIs(t, err, types.ErrMalformedDocument)
}

func TestNoStore(t *testing.T) {
	m := New("scratch", nil, newTestResolver())
	assert.Error(t, m.Save())
	assert.Error(t, m.Reload())
}
