package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"relaycore_go/internal/server"
	"relaycore_go/internal/shared/config"
	"relaycore_go/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/relay.ini", "Path to config file")
	dumpPath := flag.String("dump", "", "Write the effective config to this file and exit")
	flag.Parse()

	// 1. 加载配置，文件中没有的字段使用默认值
	cfg := config.Default()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	if *dumpPath != "" {
		if err := config.SaveIni(cfg, *dumpPath); err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: Failed to write config file '%s': %v\n", *dumpPath, err)
			os.Exit(1)
		}
		return
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并启动服务器
	appServer, err := server.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := appServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// 3. 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	appServer.Stop()
}
