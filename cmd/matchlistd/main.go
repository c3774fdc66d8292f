package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haolipeng/conn_matchlist/pkg/config"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := InitLogger(cfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logrus.Info("Starting match list daemon...")

	a, err := newApp(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}

	// 等待中断信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := a.run(ctx)
	if runErr != nil {
		logrus.Errorf("Exited with error: %v", runErr)
	}

	// 优雅退出
	if err := a.Close(); err != nil {
		logrus.Errorf("Error closing store: %v", err)
	}
	logrus.Info("Shutdown complete")

	if runErr != nil {
		os.Exit(1)
	}
}
