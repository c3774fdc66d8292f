package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

// record 输出文件中的一行
type record struct {
	PacketID     string            `json:"packet_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Conn         *types.Connection `json:"conn,omitempty"`
	MatchedLists []string          `json:"matched_lists"`
	Error        string            `json:"error,omitempty"`
}

// FileSink 将分类结果按行写入JSON文件
type FileSink struct {
	filename    string
	file        *os.File
	writer      *bufio.Writer
	matchedOnly bool
	stats       *metrics.SinkMetrics
	mu          sync.Mutex
	ready       chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewFileSink 创建文件输出，matchedOnly 为 true 时只写入命中名单的数据包
func NewFileSink(filename string, matchedOnly bool) (*FileSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", filename, err)
	}

	w := bufio.NewWriter(f)
	return &FileSink{
		filename:    filename,
		file:        f,
		writer:      w,
		matchedOnly: matchedOnly,
		stats:       &metrics.SinkMetrics{},
		ready:       make(chan struct{}),
	}, nil
}

func (s *FileSink) write(packet *types.Packet) error {
	if s.matchedOnly && len(packet.MatchedLists) == 0 {
		return nil
	}

	rec := record{
		PacketID:     packet.ID,
		Timestamp:    time.Unix(0, packet.Timestamp).UTC(),
		Conn:         packet.Conn,
		MatchedLists: packet.MatchedLists,
	}
	if rec.MatchedLists == nil {
		rec.MatchedLists = []string{}
	}
	if packet.LastError != nil {
		rec.Error = packet.LastError.Error()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.stats.IncrementWriteErrors()
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		s.stats.IncrementWriteErrors()
		return err
	}
	s.stats.IncrementWritten(len(data))
	return nil
}

func (s *FileSink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	logrus.Infof("Starting file sink consumer: %s", s.filename)
	defer func() {
		if err := s.Close(); err != nil {
			logrus.Errorf("Failed to close output file: %v", err)
		}
		logrus.Info("File sink consumer stopped")
	}()

	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("File sink received context cancellation")
			return nil
		case packet, ok := <-in:
			if !ok {
				logrus.Debug("File sink input channel closed")
				return nil
			}
			if err := s.write(packet); err != nil {
				logrus.Errorf("Failed to write packet: %v", err)
			}
		}
	}
}

// Close 刷新缓冲并关闭输出文件，可重复调用
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.writer.Flush(); err != nil {
			s.closeErr = fmt.Errorf("failed to flush output file: %w", err)
		}
		if err := s.file.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *FileSink) Ready() <-chan struct{} {
	return s.ready
}

func (s *FileSink) GetStats() *metrics.SinkMetrics {
	return s.stats
}
