package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

// statsProvider 可以提供统计信息的组件
type statsProvider interface {
	GetStats() map[string]interface{}
}

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	startTime  time.Time
	done       chan struct{}
	wg         sync.WaitGroup // 用于跟踪所有goroutine
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		status:     "initialized",
		done:       make(chan struct{}),
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	// 按Stage排序处理器
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})

	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	if p.source == nil || p.sink == nil {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("source and sink are required"))
	}

	p.wg = sync.WaitGroup{}
	p.running = true
	p.startTime = time.Now()
	p.status = "starting"
	p.errChan = make(chan error, 100)
	p.done = make(chan struct{})
	errChan := p.errChan
	p.mu.Unlock()

	logrus.Info("Starting pipeline")

	// 1. 首先检查所有处理器是否就绪
	for _, proc := range p.processors {
		if err := proc.CheckReady(); err != nil {
			logrus.Errorf("Processor %s not ready: %v", proc.Name(), err)
			p.mu.Lock()
			p.running = false
			p.status = "failed"
			p.mu.Unlock()
			return types.NewPipelineError("start", fmt.Errorf("processor %s not ready: %w", proc.Name(), err))
		}
	}
	logrus.Debug("All processors are ready")

	// 启动错误处理goroutine
	go p.handleErrors(ctx, errChan)

	// 2. 前一个stage阶段处理器的处理结果直接传递给下一个stage阶段的处理器
	input := p.source.Output()
	for _, proc := range p.processors {
		logrus.Debugf("Starting processor %s at stage: %v", proc.Name(), proc.Stage())
		p.wg.Add(1)
		out, err := proc.Process(ctx, input, &p.wg)
		if err != nil {
			p.wg.Done()
			p.setStatus("failed")
			return types.NewPipelineError("start", fmt.Errorf("failed to start processor %s: %w", proc.Name(), err))
		}
		input = out
	}
	logrus.Info("All processors have started successfully")

	// 3. 处理器就绪后，再启动sink
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.done)
		if err := p.sink.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			errChan <- fmt.Errorf("sink error: %w", err)
		}
	}()

	// 4. 等待sink就绪
	select {
	case <-p.sink.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(5 * time.Second):
		p.setStatus("failed")
		return types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready"))
	}

	// 5. 最后启动数据源，开始数据流转
	p.wg.Add(1)
	if err := p.source.Start(ctx, &p.wg); err != nil {
		p.wg.Done()
		logrus.Errorf("Failed to start source: %v", err)
		p.setStatus("failed")
		return types.NewPipelineError("start", fmt.Errorf("failed to start source: %w", err))
	}
	logrus.Info("Data Source have started successfully")

	p.setStatus("running")
	logrus.Info("Pipeline is now running")
	return nil
}

func (p *pipeline) setStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.status = "stopping"
	logrus.Info("Pipeline stopping...")
	p.running = false

	// 等待所有处理器完成
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All processors completed gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	// 所有goroutine退出后再关闭错误通道
	if p.errChan != nil {
		close(p.errChan)
		p.errChan = nil
	}

	// 清理处理器资源
	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.status = "stopped"
	logrus.Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) handleErrors(ctx context.Context, errChan <-chan error) {
	logrus.Debug("Starting error handler")
	for {
		select {
		case err, ok := <-errChan:
			if !ok {
				logrus.Debug("Error channel closed, stopping error handler")
				return
			}
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			logrus.Debug("Context cancelled, stopping error handler")
			return
		}
	}
}

// GetStats 返回运行状态以及各处理器的统计信息
func (p *pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	procStats := make(map[string]interface{})
	for _, proc := range p.processors {
		if sp, ok := proc.(statsProvider); ok {
			procStats[proc.Name()] = sp.GetStats()
		}
	}

	var uptime time.Duration
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}
	return map[string]interface{}{
		"status":     p.status,
		"uptime":     uptime.String(),
		"processors": len(p.processors),
		"metrics":    procStats,
	}
}

func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
