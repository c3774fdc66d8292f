package processor

import (
	"context"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/sirupsen/logrus"
)

// runWorkers 启动 workers 个协程处理 in 中的数据包，全部退出后关闭输出channel
func runWorkers(ctx context.Context, name string, workers, bufSize int, in <-chan *types.Packet,
	wg *sync.WaitGroup, handle func(workerID int, packet *types.Packet)) <-chan *types.Packet {
	out := make(chan *types.Packet, bufSize)

	var workerWg sync.WaitGroup
	workerWg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(workerID int) {
			defer workerWg.Done()
			logrus.Debugf("%s worker %d started", name, workerID)
			for {
				select {
				case <-ctx.Done():
					logrus.Debugf("%s worker %d stopping due to context cancellation", name, workerID)
					return
				case packet, ok := <-in:
					if !ok {
						logrus.Debugf("%s worker %d: input channel closed", name, workerID)
						return
					}
					if packet == nil {
						logrus.Warnf("%s worker %d received nil packet", name, workerID)
						continue
					}

					handle(workerID, packet)

					select {
					case out <- packet:
					case <-ctx.Done():
						logrus.Warnf("%s worker %d: context cancelled while sending packet", name, workerID)
						return
					}
				}
			}
		}(i)
	}

	go func() {
		workerWg.Wait()
		close(out)
		if wg != nil {
			wg.Done()
		}
	}()

	return out
}
