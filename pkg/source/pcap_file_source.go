package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
)

// packetDataReader pcap 与 pcapng 读取器的公共部分
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapFileSource 从离线 pcap/pcapng 文件读取数据包
type PcapFileSource struct {
	file     *os.File
	reader   packetDataReader
	output   chan *types.Packet
	done     chan struct{}
	stats    *metrics.SourceMetrics
	filename string

	closeOnce sync.Once
	closeErr  error
}

func NewPcapFileSource(filename string, bufferSize int) (*PcapFileSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}

	reader, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", filename, err)
	}

	return &PcapFileSource{
		file:     f,
		reader:   reader,
		output:   make(chan *types.Packet, bufferSize),
		done:     make(chan struct{}),
		filename: filename,
		stats:    &metrics.SourceMetrics{},
	}, nil
}

// newReader 根据文件头选择 pcap 或 pcapng 读取器
func newReader(f *os.File) (packetDataReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}

	// pcapng 以 Section Header Block 开头
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func (s *PcapFileSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logrus.Infof("Started reading packets from file: %s", s.filename)

	go func() {
		defer wg.Done()
		defer close(s.done)
		defer close(s.output)
		defer s.Close()

		linkType := s.reader.LinkType()
		var packetCount int64
		for {
			data, ci, err := s.reader.ReadPacketData()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					logrus.WithField("packets", packetCount).Info("Reached end of pcap file")
					return
				}
				s.stats.IncrementErrorCount()
				logrus.Warnf("Error reading packet: %v", err)
				return
			}

			packetCount++
			pkt := &types.Packet{
				ID:        fmt.Sprintf("pkt-%d", packetCount),
				Timestamp: ci.Timestamp.UnixNano(),
				RawData:   data,
				LinkType:  linkType,
			}

			select {
			case s.output <- pkt:
			case <-ctx.Done():
				logrus.Info("Stopping packet reading due to context cancellation")
				return
			}

			s.stats.IncrementPacketsCaptured()
			s.stats.AddBytesProcessed(uint64(len(data)))
		}
	}()

	return nil
}

// Close 关闭抓包文件，读取结束时自动调用，未启动时由调用方关闭
func (s *PcapFileSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

func (s *PcapFileSource) Output() <-chan *types.Packet {
	return s.output
}

// Done 文件读取结束后关闭
func (s *PcapFileSource) Done() <-chan struct{} {
	return s.done
}

func (s *PcapFileSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}
