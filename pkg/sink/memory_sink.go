package sink

import (
	"context"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/types"
)

// MemorySink 将数据包保存在内存中
type MemorySink struct {
	results []*types.Packet
	ready   chan struct{}
	mu      sync.Mutex
}

func NewMemorySink() *MemorySink {
	s := &MemorySink{
		results: make([]*types.Packet, 0),
		ready:   make(chan struct{}),
	}
	close(s.ready)
	return s
}

func (s *MemorySink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case packet, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.results = append(s.results, packet)
			s.mu.Unlock()
		}
	}
}

func (s *MemorySink) Ready() <-chan struct{} {
	return s.ready
}

// GetResults 返回收到的数据包
func (s *MemorySink) GetResults() []*types.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Packet(nil), s.results...)
}
