package pipeline

import (
	"context"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/types"
)

// Source 定义数据源接口
type Source interface {
	// Start 启动数据源，读取结束后调用 wg.Done 并关闭输出channel
	Start(ctx context.Context, wg *sync.WaitGroup) error
	// Output 返回数据输出channel
	Output() <-chan *types.Packet
}

// Processor 定义数据处理器接口
type Processor interface {
	// Process 处理数据包，所有worker退出后关闭输出channel并调用 wg.Done
	Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error)
	// Stage 返回处理器所属阶段
	Stage() types.Stage
	// Name 返回处理器的名称
	Name() string
	// CheckReady 检查处理器是否就绪
	CheckReady() error
}

// Sink 定义数据输出接口
type Sink interface {
	// Consume 消费处理后的数据包，输入channel关闭后返回
	Consume(ctx context.Context, in <-chan *types.Packet) error
	// Ready 返回就绪信号channel
	Ready() <-chan struct{}
}

// Pipeline 定义处理流水线接口
type Pipeline interface {
	// AddProcessor 添加处理器
	AddProcessor(processor Processor) error
	// SetSource 设置数据源
	SetSource(source Source)
	// SetSink 设置数据输出
	SetSink(sink Sink)
	// Start 启动流水线
	Start(ctx context.Context) error
	// Done 所有数据被输出消费后关闭
	Done() <-chan struct{}
	// Stop 停止流水线
	Stop() error
	// GetStats 获取流水线及处理器统计
	GetStats() map[string]interface{}
	// Status 返回流水线状态
	Status() string
}
