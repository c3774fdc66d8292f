package rulefile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/haolipeng/conn_matchlist/pkg/matchlist"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackersYAML = `
file_id: trackers
list: blocklist
description: 广告与跟踪域名
rules:
  - type: HOST
    value: Tracker.Example.com
  - type: ROOT_DOMAIN
    value: ads.example.net
  - type: COUNTRY
    value: KP
  - type: FOO
    value: ignored
`

const disabledYAML = `
state: disable
list: blocklist
rules:
  - type: IP
    value: 10.0.0.1
`

const orphanYAML = `
list: missing
rules:
  - type: IP
    value: 10.0.0.2
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name    string
		content string
		wantErr bool
		wantID  string
	}{
		{name: "指定文件ID", content: trackersYAML, wantID: "trackers"},
		{name: "文件ID缺省为文件名", content: disabledYAML, wantID: "case_1"},
		{name: "缺少目标名单", content: "rules: []", wantErr: true},
		{name: "YAML格式错误", content: "list: [", wantErr: true},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			loader := NewLoader()
			path := writeFile(t, dir, fmt.Sprintf("case_%d.yaml", i), tc.content)
			err := loader.LoadFile(path)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := loader.GetFile(tc.wantID)
			assert.True(t, ok)
		})
	}

	assert.Error(t, NewLoader().LoadFile(filepath.Join(dir, "not_exist_file.yaml")))
}

func TestLoadDirectoryAndApply(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "trackers.yaml", trackersYAML)
	writeFile(t, dir, "disabled.yml", disabledYAML)
	writeFile(t, dir, "orphan.yaml", orphanYAML)
	writeFile(t, dir, "README.txt", "not a rule file")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	loader := NewLoader()
	require.NoError(t, loader.LoadDirectory(dir))

	files := loader.GetAllFiles()
	require.Len(t, files, 3)
	assert.Equal(t, []string{"disabled", "orphan", "trackers"}, []string{files[0].FileID, files[1].FileID, files[2].FileID})
	assert.False(t, files[0].Enabled())

	blocklist := matchlist.New("blocklist", nil, nil)
	require.True(t, blocklist.AddCountry("KP"))

	added := loader.Apply(map[string]*matchlist.MatchList{"blocklist": blocklist})
	assert.Equal(t, map[string]int{"blocklist": 2}, added, "已存在的规则不计入")
	assert.True(t, blocklist.MatchesHost("tracker.example.com"))
	assert.True(t, blocklist.MatchesExactHost("ads.example.net"))
	assert.False(t, blocklist.MatchesIP("10.0.0.1"), "未启用的规则文件不生效")
}

func TestLoadDirectoryErrors(t *testing.T) {
	assert.Error(t, NewLoader().LoadDirectory(filepath.Join(t.TempDir(), "missing")))

	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", trackersYAML)
	writeFile(t, dir, "b.yaml", trackersYAML)
	assert.Error(t, NewLoader().LoadDirectory(dir), "文件ID重复")
}

const appsYAML = `
list: blocklist
rules:
  - type: APP
    value: com.example.app
  - type: APP
    value: com.unknown.app
  - type: IP
    value: 10.0.0.3
`

func TestApplyNotifiesOncePerFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "trackers.yaml", trackersYAML)
	writeFile(t, dir, "apps.yaml", appsYAML)

	loader := NewLoader()
	require.NoError(t, loader.LoadDirectory(dir))

	res := resolver.NewStaticResolver(&resolver.AppDescriptor{UID: 10023, PackageName: "com.example.app"})
	blocklist := matchlist.New("blocklist", nil, res)
	notifications := 0
	blocklist.Subscribe(matchlist.ListChangeFunc(func() { notifications++ }))

	added := loader.Apply(map[string]*matchlist.MatchList{"blocklist": blocklist})
	assert.Equal(t, map[string]int{"blocklist": 5}, added)
	assert.Equal(t, 2, notifications, "每个规则文件只通知一次")
	assert.True(t, blocklist.MatchesApp(10023))
	assert.Equal(t, "App: com.example.app", blocklist.Rules()[0].Label)

	// 再次应用不会新增规则也不会通知
	added = loader.Apply(map[string]*matchlist.MatchList{"blocklist": blocklist})
	assert.Equal(t, map[string]int{}, added)
	assert.Equal(t, 2, notifications)
}
