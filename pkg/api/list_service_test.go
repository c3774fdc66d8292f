package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/config"
	"github.com/haolipeng/conn_matchlist/pkg/matchlist"
	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/haolipeng/conn_matchlist/pkg/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	list   *matchlist.MatchList
	grace  *matchlist.GraceList
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	res := resolver.NewStaticResolver(
		&resolver.AppDescriptor{UID: 10023, PackageName: "com.example.app", Name: "Example"},
		&resolver.AppDescriptor{UID: 10024, PackageName: "com.other.app", Name: "Other"},
	)
	st := store.NewMemoryStore()
	list := matchlist.New("blocklist_slot", st, res)
	grace := matchlist.NewGraceList("grace_list", st)

	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8080

	s := NewServer(cfg, metrics.NewRegistry())
	ls := NewListService(res, grace, time.Hour)
	require.NoError(t, ls.Register("blocklist", list))
	assert.Error(t, ls.Register("blocklist", list))
	s.RegisterListService(ls)

	return &testEnv{server: s, list: list, grace: grace, store: st}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.server.GetEcho().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAddAndGetRules(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/lists/blocklist/rules", `{"type":"APP","value":"com.example.app"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/lists/blocklist/rules", `{"type":"HOST","value":"Example.COM"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/lists/blocklist/rules", `{"type":"HOST","value":"example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "重复规则")

	rec = env.do(http.MethodPost, "/lists/blocklist/rules", `{"type":"APP","value":"com.unknown"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "无法解析的应用")

	rec = env.do(http.MethodGet, "/lists/blocklist/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []matchlist.Rule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, matchlist.Rule{Type: matchlist.RuleApp, Value: "com.example.app", Label: "App: Example"}, body.Data[0])
	assert.Equal(t, "example.com", body.Data[1].Value)
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"名单不存在", http.MethodGet, "/lists/nope/rules", "", http.StatusNotFound},
		{"未知规则类型", http.MethodPost, "/lists/blocklist/rules", `{"type":"FOO","value":"x"}`, http.StatusBadRequest},
		{"空规则值", http.MethodPost, "/lists/blocklist/rules", `{"type":"IP","value":""}`, http.StatusBadRequest},
		{"请求体格式错误", http.MethodPost, "/lists/blocklist/rules", `{"type":`, http.StatusBadRequest},
		{"删除不存在的规则", http.MethodPost, "/lists/blocklist/rules/delete", `{"type":"IP","value":"1.1.1.1"}`, http.StatusNotFound},
		{"导入格式错误", http.MethodPost, "/lists/blocklist/import", `[]`, http.StatusBadRequest},
		{"无效豁免时长", http.MethodPost, "/grace/apps", `{"uid":10023,"duration":"soon"}`, http.StatusBadRequest},
		{"豁免未知应用", http.MethodPost, "/grace/apps", `{"uid":1}`, http.StatusNotFound},
		{"移除未豁免应用", http.MethodPost, "/grace/apps/10023/delete", "", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec).Code)
		})
	}
}

func TestDeleteAndClear(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddIP("1.1.1.1"))
	require.True(t, env.list.AddIP("2.2.2.2"))

	rec := env.do(http.MethodPost, "/lists/blocklist/rules/delete", `{"type":"IP","value":"1.1.1.1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.list.Size())

	rec = env.do(http.MethodPost, "/lists/blocklist/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.list.IsEmpty())
}

func TestSaveAndReload(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddCountry("DE"))

	rec := env.do(http.MethodPost, "/lists/blocklist/save", "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.list.Clear(false)
	rec = env.do(http.MethodPost, "/lists/blocklist/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.list.MatchesCountry("DE"))

	require.NoError(t, env.store.Write("blocklist_slot", "{oops"))
	rec = env.do(http.MethodPost, "/lists/blocklist/reload", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, env.list.MatchesCountry("DE"), "加载失败时名单保持不变")
}

func TestDescriptorWithGrace(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddApp("com.example.app"))
	require.True(t, env.list.AddApp("com.other.app"))
	require.True(t, env.list.AddHost("example.com"))
	require.True(t, env.list.AddProto("DNS"))

	rec := env.do(http.MethodPost, "/grace/apps", `{"uid":10024,"duration":"10m"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.grace.ContainsApp(10024))

	_, saved, err := env.store.Read("grace_list")
	require.NoError(t, err)
	assert.True(t, saved, "豁免名单应被持久化")

	rec = env.do(http.MethodGet, "/lists/blocklist/descriptor", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data matchlist.ListDescriptor `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, matchlist.ListDescriptor{
		Apps:  []string{"10023"},
		Hosts: []string{"example.com"},
		IPs:   []string{},
	}, body.Data)

	rec = env.do(http.MethodPost, "/grace/apps/10024/delete", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.grace.ContainsApp(10024))
}

func TestMatchConnection(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddHost("example.com"))
	require.True(t, env.list.AddApp("com.example.app"))

	testCases := []struct {
		body    string
		matched bool
	}{
		{`{"dst_ip":"1.2.3.4","info":"www.example.com"}`, true},
		{`{"dst_ip":"1.2.3.4","info":"example.org"}`, false},
		{`{"uid":10023,"dst_ip":"1.2.3.4"}`, true},
		{`{"dst_ip":"1.2.3.4"}`, false},
	}

	for _, tc := range testCases {
		rec := env.do(http.MethodPost, "/lists/blocklist/match", tc.body)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data map[string]bool `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.matched, body.Data["matched"], tc.body)
	}
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddIP("1.1.1.1"))

	rec := env.do(http.MethodGet, "/lists/blocklist/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rules":[{"type":"IP","value":"1.1.1.1"}]}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "blocklist.json")

	doc := `{"rules":[{"type":"IP","value":"1.1.1.1"},{"type":"APP","value":"10024"},{"type":"ROOT_DOMAIN","value":"example.org"}]}`
	rec = env.do(http.MethodPost, "/lists/blocklist/import", doc)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data["added"])
	assert.True(t, env.list.MatchesApp(10024))
	assert.True(t, env.list.MatchesExactHost("example.org"))
}

func TestGetListsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.list.AddIP("1.1.1.1"))

	rec := env.do(http.MethodGet, "/lists", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []listInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []listInfo{{Name: "blocklist", Size: 1}}, body.Data)

	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `matchlist_api_requests_total{method="GET",path="/lists",status="200"} 1`)
}
