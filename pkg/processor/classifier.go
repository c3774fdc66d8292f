package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haolipeng/conn_matchlist/pkg/metrics"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

// Matcher 可参与分类的名单，*matchlist.MatchList 实现了该接口
type Matcher interface {
	Name() string
	Matches(conn *types.Connection) bool
}

// Classifier 将连接记录与所有名单逐一匹配，记录命中的名单
type Classifier struct {
	workers int
	lists   []Matcher
	metrics *metrics.ClassifierMetrics
}

func NewClassifier(workers int, lists ...Matcher) *Classifier {
	if workers <= 0 {
		workers = 1
	}
	return &Classifier{
		workers: workers,
		lists:   lists,
		metrics: &metrics.ClassifierMetrics{},
	}
}

func (c *Classifier) Stage() types.Stage {
	return types.StageClassification
}

func (c *Classifier) Name() string {
	return "Classifier"
}

func (c *Classifier) CheckReady() error {
	if len(c.lists) == 0 {
		return fmt.Errorf("%w: no match lists configured", types.ErrProcessorNotReady)
	}
	return nil
}

// Metrics 返回匹配统计
func (c *Classifier) Metrics() *metrics.ClassifierMetrics {
	return c.metrics
}

// ListNames 返回参与匹配的名单名称
func (c *Classifier) ListNames() []string {
	names := make([]string, 0, len(c.lists))
	for _, l := range c.lists {
		names = append(names, l.Name())
	}
	return names
}

func (c *Classifier) GetStats() map[string]interface{} {
	return c.metrics.GetStats()
}

func (c *Classifier) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	if err := c.CheckReady(); err != nil {
		return nil, err
	}
	logrus.Debugf("Starting Classifier with %d workers", c.workers)
	return runWorkers(ctx, c.Name(), c.workers, cap(in), in, wg, func(_ int, packet *types.Packet) {
		c.Classify(packet)
	}), nil
}

// Classify 匹配单个数据包，没有连接记录的数据包直接跳过
func (c *Classifier) Classify(packet *types.Packet) {
	if packet.Conn == nil {
		c.metrics.IncrementUnparsed()
		return
	}

	start := time.Now()
	c.metrics.IncrementEvaluated()

	packet.MatchedLists = packet.MatchedLists[:0]
	for _, l := range c.lists {
		if l.Matches(packet.Conn) {
			packet.MatchedLists = append(packet.MatchedLists, l.Name())
			c.metrics.IncrementListMatched(l.Name())
		}
	}

	if len(packet.MatchedLists) > 0 {
		c.metrics.IncrementMatched()
		logrus.WithFields(logrus.Fields{
			"packet_id": packet.ID,
			"dst_ip":    packet.Conn.DstIP,
			"info":      packet.Conn.Info,
			"lists":     packet.MatchedLists,
		}).Debug("连接命中名单")
	}
	c.metrics.AddProcessingTime(time.Since(start))
}
