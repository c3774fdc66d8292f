package api

import (
	"context"
	"fmt"
	"strconv"

	"github.com/haolipeng/conn_matchlist/pkg/config"
	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server HTTP 服务器
type Server struct {
	echo    *echo.Echo
	addr    string
	metrics *metrics.Registry
}

// NewServer 创建一个新的 HTTP 服务器，reg 为 nil 时不暴露 /metrics
func NewServer(cfg *config.Config, reg *metrics.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		metrics: reg,
	}

	if reg != nil {
		e.Use(s.countRequests)
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})))
	}
	return s
}

// countRequests 按路由统计请求数
func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		if err != nil {
			c.Error(err)
			status = c.Response().Status
		}
		s.metrics.APIRequests.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).Inc()
		return nil
	}
}

// Start 启动 HTTP 服务器
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// Addr 返回监听地址
func (s *Server) Addr() string {
	return s.addr
}

// RegisterListService 注册名单服务
func (s *Server) RegisterListService(ls *ListService) {
	s.echo.GET("/lists", ls.GetLists)                         // 获取所有名单
	s.echo.GET("/lists/:name/rules", ls.GetRules)             // 获取名单规则
	s.echo.POST("/lists/:name/rules", ls.AddRule)             // 添加规则
	s.echo.POST("/lists/:name/rules/delete", ls.DeleteRule)   // 删除规则
	s.echo.POST("/lists/:name/clear", ls.ClearList)           // 清空名单
	s.echo.POST("/lists/:name/save", ls.SaveList)             // 持久化名单
	s.echo.POST("/lists/:name/reload", ls.ReloadList)         // 从存储重新加载
	s.echo.GET("/lists/:name/descriptor", ls.GetDescriptor)   // 获取名单描述
	s.echo.POST("/lists/:name/match", ls.MatchConnection)     // 匹配连接
	s.echo.GET("/lists/:name/export", ls.ExportList)          // 导出名单
	s.echo.POST("/lists/:name/import", ls.ImportList)         // 导入名单
	s.echo.POST("/grace/apps", ls.AddGraceApp)                // 添加临时豁免
	s.echo.POST("/grace/apps/:uid/delete", ls.RemoveGraceApp) // 移除临时豁免
}
