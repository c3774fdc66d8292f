package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/matchlist"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// ListService 名单管理服务
type ListService struct {
	lists         map[string]*matchlist.MatchList
	order         []string
	resolver      resolver.AppResolver
	grace         *matchlist.GraceList
	graceDuration time.Duration
}

// NewListService 创建名单服务，grace 可以为 nil
func NewListService(res resolver.AppResolver, grace *matchlist.GraceList, graceDuration time.Duration) *ListService {
	return &ListService{
		lists:         make(map[string]*matchlist.MatchList),
		resolver:      res,
		grace:         grace,
		graceDuration: graceDuration,
	}
}

// Register 以 name 对外暴露名单，需在启动服务前调用
func (ls *ListService) Register(name string, m *matchlist.MatchList) error {
	if _, exists := ls.lists[name]; exists {
		return fmt.Errorf("list %q already registered", name)
	}
	ls.lists[name] = m
	ls.order = append(ls.order, name)
	return nil
}

type listInfo struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type ruleRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type graceRequest struct {
	UID      int    `json:"uid"`
	Duration string `json:"duration"` // 例如 "30m"，为空时使用默认时长
}

func (ls *ListService) list(c echo.Context) (*matchlist.MatchList, error) {
	name := c.Param("name")
	m, found := ls.lists[name]
	if !found {
		return nil, NewListNotFoundError(name, types.ErrListNotFound)
	}
	return m, nil
}

func respond(c echo.Context, code int, message string, data interface{}) error {
	return c.JSON(code, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// GetLists 获取所有名单及其规则数量
func (ls *ListService) GetLists(c echo.Context) error {
	infos := make([]listInfo, 0, len(ls.order))
	for _, name := range ls.order {
		infos = append(infos, listInfo{Name: name, Size: ls.lists[name].Size()})
	}
	return respond(c, http.StatusOK, "获取名单成功", infos)
}

// GetRules 获取名单中的所有规则
func (ls *ListService) GetRules(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}

	rules := m.Rules()
	if rules == nil {
		rules = []matchlist.Rule{}
	}
	return respond(c, http.StatusOK, "获取规则成功", rules)
}

func (ls *ListService) bindRule(c echo.Context) (matchlist.RuleType, string, error) {
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return 0, "", NewInvalidRuleFormatError(err)
	}
	tp, _, err := matchlist.ParseRuleType(req.Type)
	if err != nil {
		return 0, "", NewInvalidRuleFormatError(err)
	}
	if req.Value == "" {
		return 0, "", NewInvalidRuleFormatError(errors.New("empty rule value"))
	}
	return tp, req.Value, nil
}

// AddRule 添加一条规则
func (ls *ListService) AddRule(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}
	tp, value, err := ls.bindRule(c)
	if err != nil {
		return HandleError(c, err)
	}

	if !m.AddRule(tp, value) {
		return HandleError(c, NewRuleNotAddedError(tp.String()+"@"+value))
	}

	logrus.WithFields(logrus.Fields{
		"list":      c.Param("name"),
		"rule_type": tp.String(),
		"value":     value,
		"operation": "add",
	}).Info("通过API添加规则")
	return respond(c, http.StatusCreated, "添加规则成功", nil)
}

// DeleteRule 删除一条规则
func (ls *ListService) DeleteRule(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}
	tp, value, err := ls.bindRule(c)
	if err != nil {
		return HandleError(c, err)
	}

	if !m.RemoveRule(matchlist.Rule{Type: tp, Value: value}) {
		return HandleError(c, NewRuleNotFoundError(tp.String()+"@"+value))
	}

	logrus.WithFields(logrus.Fields{
		"list":      c.Param("name"),
		"rule_type": tp.String(),
		"value":     value,
		"operation": "delete",
	}).Info("通过API删除规则")
	return respond(c, http.StatusOK, "删除规则成功", nil)
}

// ClearList 清空名单
func (ls *ListService) ClearList(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}
	m.Clear(true)
	return respond(c, http.StatusOK, "清空名单成功", nil)
}

// SaveList 将名单写入存储
func (ls *ListService) SaveList(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}
	if err := m.Save(); err != nil {
		return HandleError(c, NewInternalServerError(err))
	}
	return respond(c, http.StatusOK, "保存名单成功", nil)
}

// ReloadList 从存储重新加载名单
func (ls *ListService) ReloadList(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}
	if err := m.Reload(); err != nil {
		if errors.Is(err, types.ErrMalformedDocument) {
			return HandleError(c, NewInvalidDocumentError(err))
		}
		return HandleError(c, NewInternalServerError(err))
	}
	return respond(c, http.StatusOK, "加载名单成功", listInfo{Name: c.Param("name"), Size: m.Size()})
}

// GetDescriptor 获取名单描述，处于临时豁免期的应用不会出现在结果中
func (ls *ListService) GetDescriptor(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}

	var exemptions matchlist.Exemptions
	if ls.grace != nil {
		exemptions = ls.grace
	}
	return respond(c, http.StatusOK, "获取名单描述成功", m.ToListDescriptor(exemptions))
}

// MatchConnection 判断连接是否命中名单，请求体为连接记录
func (ls *ListService) MatchConnection(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}

	conn := types.Connection{UID: types.UIDUnknown}
	if err := c.Bind(&conn); err != nil {
		return HandleError(c, NewRuleError(ErrCodeBadRequest, "连接记录格式无效", err))
	}

	return respond(c, http.StatusOK, "匹配完成", map[string]bool{"matched": m.Matches(&conn)})
}

// ExportList 导出名单为格式化的JSON文档
func (ls *ListService) ExportList(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}

	data, err := m.ToJSON(true)
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+c.Param("name")+`.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(data))
}

// ImportList 导入名单文档，合并到现有规则中，返回新增的规则数量
func (ls *ListService) ImportList(c echo.Context) error {
	m, err := ls.list(c)
	if err != nil {
		return HandleError(c, err)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return HandleError(c, NewRuleError(ErrCodeBadRequest, "读取请求失败", err))
	}

	scratch := m.Scratch()
	if _, err := scratch.FromJSON(string(body)); err != nil {
		return HandleError(c, NewInvalidDocumentError(err))
	}

	added := m.AddRules(scratch)
	logrus.WithFields(logrus.Fields{
		"list":      c.Param("name"),
		"imported":  scratch.Size(),
		"added":     added,
		"operation": "import",
	}).Info("导入名单")
	return respond(c, http.StatusOK, "导入名单成功", map[string]int{"added": added})
}

// AddGraceApp 临时豁免一个应用
func (ls *ListService) AddGraceApp(c echo.Context) error {
	if ls.grace == nil {
		return HandleError(c, NewRuleError(ErrCodeNotFound, "未启用临时豁免", nil))
	}

	var req graceRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewRuleError(ErrCodeBadRequest, "请求格式无效", err))
	}

	d := ls.graceDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			return HandleError(c, NewRuleError(ErrCodeBadRequest, "豁免时长无效", err))
		}
		d = parsed
	}

	if ls.resolver != nil {
		if _, found := ls.resolver.Get(req.UID, resolver.FlagNone); !found {
			return HandleError(c, NewRuleError(ErrCodeNotFound, "应用 "+strconv.Itoa(req.UID)+" 不存在", nil))
		}
	}

	ls.grace.AddApp(req.UID, d)
	ls.saveGrace()
	return respond(c, http.StatusCreated, "添加临时豁免成功", nil)
}

// RemoveGraceApp 移除应用的临时豁免
func (ls *ListService) RemoveGraceApp(c echo.Context) error {
	if ls.grace == nil {
		return HandleError(c, NewRuleError(ErrCodeNotFound, "未启用临时豁免", nil))
	}

	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil {
		return HandleError(c, NewRuleError(ErrCodeBadRequest, "UID无效", err))
	}
	if !ls.grace.RemoveApp(uid) {
		return HandleError(c, NewRuleError(ErrCodeNotFound, "应用 "+strconv.Itoa(uid)+" 未被豁免", nil))
	}
	ls.saveGrace()
	return respond(c, http.StatusOK, "移除临时豁免成功", nil)
}

func (ls *ListService) saveGrace() {
	if err := ls.grace.Save(); err != nil {
		logrus.WithField("error", err.Error()).Warn("保存豁免名单失败")
	}
}
