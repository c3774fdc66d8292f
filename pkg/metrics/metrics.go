package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ClassifierMetrics 名单匹配阶段的统计
type ClassifierMetrics struct {
	Evaluated      uint64 // 参与匹配的连接数
	Matched        uint64 // 至少命中一个名单的连接数
	Unparsed       uint64 // 没有连接信息而跳过的数据包
	ProcessingTime uint64 // 纳秒

	listMatches sync.Map // 名单名称 -> *uint64
}

func (m *ClassifierMetrics) IncrementEvaluated() {
	atomic.AddUint64(&m.Evaluated, 1)
}

func (m *ClassifierMetrics) IncrementMatched() {
	atomic.AddUint64(&m.Matched, 1)
}

func (m *ClassifierMetrics) IncrementUnparsed() {
	atomic.AddUint64(&m.Unparsed, 1)
}

func (m *ClassifierMetrics) AddProcessingTime(duration time.Duration) {
	atomic.AddUint64(&m.ProcessingTime, uint64(duration.Nanoseconds()))
}

// IncrementListMatched 增加某个名单的命中计数
func (m *ClassifierMetrics) IncrementListMatched(list string) {
	v, _ := m.listMatches.LoadOrStore(list, new(uint64))
	atomic.AddUint64(v.(*uint64), 1)
}

// ListMatched 返回某个名单的命中计数
func (m *ClassifierMetrics) ListMatched(list string) uint64 {
	v, ok := m.listMatches.Load(list)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(v.(*uint64))
}

func (m *ClassifierMetrics) GetStats() map[string]interface{} {
	perList := make(map[string]uint64)
	m.listMatches.Range(func(k, v any) bool {
		perList[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})

	return map[string]interface{}{
		"evaluated":       atomic.LoadUint64(&m.Evaluated),
		"matched":         atomic.LoadUint64(&m.Matched),
		"unparsed":        atomic.LoadUint64(&m.Unparsed),
		"processing_time": atomic.LoadUint64(&m.ProcessingTime),
		"list_matched":    perList,
		"avg_process_time": float64(atomic.LoadUint64(&m.ProcessingTime)) /
			float64(atomic.LoadUint64(&m.Evaluated)+1),
	}
}

type SourceMetrics struct {
	PacketsCaptured uint64
	BytesProcessed  uint64
	ErrorCount      uint64
}

// IncrementPacketsCaptured 增加读取的数据包计数
func (m *SourceMetrics) IncrementPacketsCaptured() {
	atomic.AddUint64(&m.PacketsCaptured, 1)
}

// AddBytesProcessed 增加处理的字节数
func (m *SourceMetrics) AddBytesProcessed(bytes uint64) {
	atomic.AddUint64(&m.BytesProcessed, bytes)
}

func (m *SourceMetrics) IncrementErrorCount() {
	atomic.AddUint64(&m.ErrorCount, 1)
}

type SinkMetrics struct {
	PacketsWritten uint64
	WriteErrors    uint64
	BytesWritten   uint64
}

func (m *SinkMetrics) IncrementWritten(bytes int) {
	atomic.AddUint64(&m.PacketsWritten, 1)
	atomic.AddUint64(&m.BytesWritten, uint64(bytes))
}

func (m *SinkMetrics) IncrementWriteErrors() {
	atomic.AddUint64(&m.WriteErrors, 1)
}
