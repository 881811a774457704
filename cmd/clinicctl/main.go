// clinicctlはクリニック管理バックエンドのREST APIを呼び出すコマンドラインクライアント。
// ログインで得たトークンとクリニック・倉庫・ロケールの選択を認証情報ストアに保存し、
// 以降のリクエストに自動で付与する。トークンの期限切れは透過的にリフレッシュされる。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/vetclinic/internal/config"
	"github.com/nao1215/vetclinic/internal/logger"
	"github.com/nao1215/vetclinic/pkg/apiclient"
	"github.com/nao1215/vetclinic/pkg/credstore"
	"github.com/nao1215/vetclinic/pkg/notify"
)

const usage = `使い方: clinicctl [-config FILE] <command> [args]

コマンド:
  login -email EMAIL [-password PASSWORD]   ログインしてトークンを保存する
  logout                                    ログアウトして認証情報を消去する
  status                                    保存されているコンテキストを表示する
  get PATH [-q key=value ...]               GETリクエストを送る
  post PATH [-d JSON|@FILE|-]               POSTリクエストを送る
  put PATH [-d JSON|@FILE|-]                PUTリクエストを送る
  delete PATH                               DELETEリクエストを送る
  media PATH [-o FILE]                      バイナリを取得して保存する
  clinic [all|none|ID]                      クリニックの選択を表示・変更する
  storage [none|ID]                         倉庫の選択を表示・変更する
  locale [CODE]                             ロケールを表示・変更する
  shell                                     標準入力からコマンドを1行ずつ実行する
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run はコマンドを実行し、終了コードを返す。
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clinicctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv("VETCLINIC_CONFIG"), "設定ファイルのパス")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "設定の読み込みに失敗: %v\n", err)
		return 1
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "ロガーの初期化に失敗: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "初期化に失敗: %v\n", err)
		return 1
	}
	defer a.close()

	if err := a.dispatch(ctx, fs.Args()); err != nil {
		a.report(err)
		return 1
	}
	return 0
}

// app はコマンド実行に必要な依存をまとめたもの。
type app struct {
	creds   *credstore.Credentials
	client  *apiclient.Client
	nav     *navigator
	logger  *zap.Logger
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	a := &app{
		nav:    &navigator{w: stderr},
		logger: log,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	backend, err := a.openBackend(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.creds = credstore.New(backend)

	client, err := apiclient.New(cfg.API.URL, a.creds,
		apiclient.WithTimeout(cfg.API.Timeout),
		apiclient.WithLogger(log),
		apiclient.WithNotifier(notify.NewWriterNotifier(stderr)),
		apiclient.WithDedupWindow(cfg.API.DedupWindow),
		apiclient.WithNavigator(a.nav),
		apiclient.WithDefaultLocale(cfg.API.Locale),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = client
	return a, nil
}

// openBackend は設定に応じた認証情報ストアを開く。
func (a *app) openBackend(ctx context.Context, cfg config.Config) (credstore.Backend, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return credstore.NewMemory(), nil
	case config.StoreRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		return credstore.NewRedis(rdb, cfg.Store.Prefix), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("ストアのディレクトリ作成に失敗: %w", err)
		}
		db, err := credstore.OpenSQLite(ctx, cfg.Store.Path, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("リソースの解放に失敗しました", zap.Error(err))
		}
	}
	a.closers = nil
}

// report はエラーを標準エラー出力に書く。
// apiclientのエラーは通知として表示済みなので重ねて出さない。
func (a *app) report(err error) {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return
	}
	fmt.Fprintf(a.stderr, "エラー: %v\n", err)
}

// navigator はセッション切れを利用者に伝えるapiclient.Navigator。
type navigator struct {
	w       io.Writer
	atLogin atomic.Bool
}

func (n *navigator) AtLogin() bool { return n.atLogin.Load() }

func (n *navigator) RedirectToLogin() {
	fmt.Fprintln(n.w, "セッションの有効期限が切れました。`clinicctl login` で再ログインしてください")
}
