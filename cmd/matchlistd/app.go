package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/api"
	"github.com/haolipeng/conn_matchlist/pkg/config"
	"github.com/haolipeng/conn_matchlist/pkg/geoip"
	"github.com/haolipeng/conn_matchlist/pkg/matchlist"
	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/haolipeng/conn_matchlist/pkg/pipeline"
	"github.com/haolipeng/conn_matchlist/pkg/processor"
	"github.com/haolipeng/conn_matchlist/pkg/resolver"
	"github.com/haolipeng/conn_matchlist/pkg/rulefile"
	"github.com/haolipeng/conn_matchlist/pkg/sink"
	"github.com/haolipeng/conn_matchlist/pkg/source"
	"github.com/haolipeng/conn_matchlist/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// graceCleanupInterval 清理过期豁免的间隔
const graceCleanupInterval = time.Minute

type namedList struct {
	name string
	list *matchlist.MatchList
}

// app 持有运行期的所有组件
type app struct {
	cfg      *config.Config
	store    store.KVStore
	resolver *resolver.StaticResolver
	grace    *matchlist.GraceList
	lists    []namedList
	registry *metrics.Registry
	geo      geoip.Database
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Store.Type, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		registry: metrics.NewRegistry(),
	}

	if cfg.Resolver.AppsFile != "" {
		a.resolver, err = resolver.LoadStaticResolver(cfg.Resolver.AppsFile)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load apps: %w", err)
		}
	} else {
		a.resolver = resolver.NewStaticResolver()
	}

	if cfg.GeoIP.Database != "" {
		reader, err := geoip.Open(cfg.GeoIP.Database)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.geo = reader
	}

	a.grace = matchlist.NewGraceList(cfg.Grace.Slot, st)
	if err := a.grace.Reload(); err != nil {
		logrus.WithField("error", err.Error()).Warn("加载豁免名单失败，使用空名单")
	}

	for _, lc := range cfg.Lists {
		m := a.loadList(lc)
		if err := a.registry.RegisterListSize(lc.Name, m.Size); err != nil {
			a.Close()
			return nil, err
		}
		a.lists = append(a.lists, namedList{name: lc.Name, list: m})
	}

	if cfg.Rules.Directory != "" {
		if err := a.applyRuleFiles(cfg.Rules.Directory); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// applyRuleFiles 将规则目录中的规则合并到名单
func (a *app) applyRuleFiles(dir string) error {
	loader := rulefile.NewLoader()
	if err := loader.LoadDirectory(dir); err != nil {
		return fmt.Errorf("failed to load rule files: %w", err)
	}

	lists := make(map[string]*matchlist.MatchList, len(a.lists))
	for _, nl := range a.lists {
		lists[nl.name] = nl.list
	}
	for name, n := range loader.Apply(lists) {
		logrus.WithFields(logrus.Fields{"list": name, "added": n}).Info("已合并预置规则")
	}
	return nil
}

// loadList 加载名单，文档损坏时退回空名单
func (a *app) loadList(lc config.ListConfig) *matchlist.MatchList {
	log := logrus.WithFields(logrus.Fields{"list": lc.Name, "slot": lc.Slot})
	opts := []matchlist.Option{
		matchlist.WithLogger(log),
		matchlist.WithLabeler(&matchlist.DefaultLabeler{Resolver: a.resolver}),
	}

	m, err := matchlist.Load(lc.Slot, a.store, a.resolver, opts...)
	if err != nil {
		log.WithField("error", err.Error()).Error("加载名单失败，使用空名单")
		a.registry.ListReloads.WithLabelValues(lc.Name, "error").Inc()
		m = matchlist.New(lc.Slot, a.store, a.resolver, opts...)
	} else {
		a.registry.ListReloads.WithLabelValues(lc.Name, "ok").Inc()
		log.WithField("rules", m.Size()).Info("名单已加载")
	}

	changes := a.registry.ListChanges.WithLabelValues(lc.Name)
	m.Subscribe(matchlist.ListChangeFunc(func() {
		changes.Inc()
		if !lc.Autosave {
			return
		}
		if err := m.Save(); err != nil {
			log.WithField("error", err.Error()).Error("自动保存名单失败")
		}
	}))
	return m
}

func (a *app) listService() (*api.ListService, error) {
	ls := api.NewListService(a.resolver, a.grace, a.cfg.Grace.DefaultDuration)
	for _, nl := range a.lists {
		if err := ls.Register(nl.name, nl.list); err != nil {
			return nil, err
		}
	}
	return ls, nil
}

// run 启动API、离线分类和豁免清理，ctx 取消后返回
func (a *app) run(ctx context.Context) error {
	if !a.cfg.API.Enabled {
		if a.cfg.Source.Type == "" {
			return fmt.Errorf("nothing to run: api disabled and no source configured")
		}
		return a.runPipeline(ctx)
	}

	ls, err := a.listService()
	if err != nil {
		return err
	}
	server := api.NewServer(a.cfg, a.registry)
	server.RegisterListService(ls)
	api.SetDebugMode(a.cfg.Log.Level == "DEBUG")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("API server listening on %s", server.Addr())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})
	g.Go(func() error {
		a.graceLoop(gCtx)
		return nil
	})
	if a.geo != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			a.reloadLoop(gCtx, hup)
			return nil
		})
	}
	if a.cfg.Source.Type != "" {
		g.Go(func() error {
			return a.runPipeline(gCtx)
		})
	}
	return g.Wait()
}

// graceLoop 定期移除过期的豁免应用
func (a *app) graceLoop(ctx context.Context) {
	ticker := time.NewTicker(graceCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanupGrace()
		}
	}
}

func (a *app) cleanupGrace() {
	expired := a.grace.Cleanup()
	if len(expired) == 0 {
		return
	}
	logrus.WithField("uids", expired).Info("临时豁免已过期")
	if err := a.grace.Save(); err != nil {
		logrus.WithField("error", err.Error()).Error("保存豁免名单失败")
	}
}

// reloadLoop 收到 SIGHUP 时重新加载 GeoIP 数据库
func (a *app) reloadLoop(ctx context.Context, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logrus.Info("Received SIGHUP, reloading GeoIP database...")
			if err := a.reloadGeoIP(); err != nil {
				logrus.WithField("error", err.Error()).Error("重新加载GeoIP数据库失败，继续使用原数据库")
			}
		}
	}
}

func (a *app) reloadGeoIP() error {
	if a.geo == nil {
		return nil
	}
	if err := a.geo.Reload(); err != nil {
		return err
	}
	logrus.WithField("database", a.cfg.GeoIP.Database).Info("GeoIP数据库已重新加载")
	return nil
}

// runPipeline 对离线抓包文件中的连接进行分类，文件读完或 ctx 取消后返回
func (a *app) runPipeline(ctx context.Context) error {
	src, err := source.NewPcapFileSource(a.cfg.Source.Filename, a.cfg.Pipeline.BufferSize)
	if err != nil {
		return err
	}
	out, err := sink.NewFileSink(a.cfg.Output.Filename, a.cfg.Output.MatchedOnly)
	if err != nil {
		src.Close()
		return err
	}
	// 流水线启动前失败时由这里关闭文件，启动后由数据源和输出自行关闭
	abort := func(err error) error {
		src.Close()
		out.Close()
		return err
	}

	var geo geoip.CountryLookup
	if a.geo != nil {
		geo = a.geo
	}

	matchers := make([]processor.Matcher, 0, len(a.lists))
	for _, nl := range a.lists {
		matchers = append(matchers, nl.list)
	}
	classifier := processor.NewClassifier(a.cfg.Pipeline.WorkerCount, matchers...)

	if err := a.registry.RegisterClassifier(classifier.Metrics(), classifier.ListNames()); err != nil {
		return abort(err)
	}
	if err := a.registry.RegisterSource(src.GetStats()); err != nil {
		return abort(err)
	}

	p := pipeline.NewPipeline()
	if err := p.AddProcessor(processor.NewConnParser(a.cfg.Pipeline.WorkerCount, geo)); err != nil {
		return abort(err)
	}
	if err := p.AddProcessor(classifier); err != nil {
		return abort(err)
	}
	p.SetSource(src)
	p.SetSink(out)

	if err := p.Start(ctx); err != nil {
		return abort(err)
	}

	select {
	case <-p.Done():
		logrus.Info("Offline classification finished")
	case <-ctx.Done():
	}
	if err := p.Stop(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"stats":  p.GetStats(),
		"output": a.cfg.Output.Filename,
	}).Info("Pipeline summary")
	return nil
}

// Close 保存所有名单并关闭存储
func (a *app) Close() error {
	for _, nl := range a.lists {
		if err := nl.list.Save(); err != nil {
			logrus.WithFields(logrus.Fields{"list": nl.name, "error": err.Error()}).Error("保存名单失败")
		}
	}
	if err := a.grace.Save(); err != nil {
		logrus.WithField("error", err.Error()).Error("保存豁免名单失败")
	}
	if a.geo != nil {
		a.geo.Close()
	}
	return a.store.Close()
}
