package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/service/web"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/config"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/source"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/storage"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/validator"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	action := flag.String("action", "", "One-shot scheduler action: update|validate|clear|rebuild|recover")
	sourceType := flag.String("source", "all", "Source type filter for one-shot actions: all|api|file|web|script")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "scraper.ini")
	sourcesPath := filepath.Join(*configDir, "sources.json")

	// 1. 加载 .ini 行为配置（缺失时使用内置默认值）
	cfg := types.NewDefaultConfig()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
			os.Exit(1)
		}
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载 sources.json 数据配置
	sourceConfs, err := config.LoadSources(sourcesPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load sources file '%s'", sourcesPath)
	}
	if len(sourceConfs) == 0 {
		logger.Warn().Str("path", sourcesPath).Msg("No proxy sources configured. The pool will rely on the persisted snapshot only.")
	}

	sources, sourceErrs := source.FromConfigs(sourceConfs)
	for _, serr := range sourceErrs {
		logger.Warn().Err(serr).Msg("Skipping invalid source config.")
	}

	// 3. 组装代理池（每个进程只构造这一个实例）
	store := storage.NewJSONStorage(cfg.PoolConf.StatusDir)
	v := validator.New(
		cfg.PoolConf.TestURLs,
		time.Duration(cfg.PoolConf.ValidateTimeout)*time.Second,
		cfg.PoolConf.ValidateConcurrency,
	)
	pool := proxypool.New(cfg, store, v, sources)
	facade := proxypool.NewFacade(pool)

	if *action != "" {
		runOneShot(pool, facade, *action, *sourceType)
		return
	}

	runDaemon(cfg, pool, facade)
}

// runOneShot 执行单个调度动作，把结果摘要以 JSON 打到标准输出。
// 退出码由结果的 status 决定，方便 cron / CI 直接分支。
func runOneShot(pool *proxypool.Pool, facade *proxypool.Facade, action, sourceType string) {
	pool.Start()
	defer pool.Stop()

	result := facade.Integrate(context.Background(), action, sourceType)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to marshal action result.")
	}
	fmt.Println(string(data))

	if result.Status != "success" {
		os.Exit(1)
	}
}

// runDaemon 以常驻模式运行：后台刷新循环 + 状态接口，直到收到
// SIGINT/SIGTERM。
func runDaemon(cfg *types.Config, pool *proxypool.Pool, facade *proxypool.Facade) {
	hub := web.NewHub()
	pool.SetOnChange(hub.BroadcastPoolUpdate)
	pool.Start()

	var wg sync.WaitGroup
	web.StartServer(&wg, cfg, pool, facade, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")

	pool.Stop()
}
