// 開発用バックエンドのエントリポイント。
// clinicctlやapiclientの動作確認用に、ログイン・クッキーによるリフレッシュ・テナント絞り込みを備えた
// REST APIをSQLite上で提供する。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/vetclinic/internal/config"
	"github.com/nao1215/vetclinic/internal/devbackend"
	"github.com/nao1215/vetclinic/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("VETCLINIC_CONFIG"), "設定ファイルのパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.DevBackend, log); err != nil {
		log.Error("開発用バックエンドが異常終了しました", zap.Error(err))
		stop()
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.DevBackendConfig, log *zap.Logger) error {
	store, err := devbackend.OpenStore(ctx, cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Seed {
		if err := store.SeedDemo(ctx); err != nil {
			return err
		}
	}

	server := devbackend.NewServer(devbackend.Config{
		Addr:           cfg.Addr,
		JWTSecret:      cfg.JWTSecret,
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookie:   cfg.SecureCookie,
	}, store, log)
	return server.Run(ctx)
}
