// Package notify はユーザー向け通知（トースト）の送出と重複抑制を提供する。
//
// 多数のリクエストが同時に失敗した場合でも、同じメッセージが短時間に
// 何度も表示されないようにDeduperで間引く。
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Level は通知の重要度。
type Level int

const (
	// LevelError はエラー通知。
	LevelError Level = iota
	// LevelWarn は警告通知。
	LevelWarn
	// LevelInfo は情報通知。
	LevelInfo
)

// String は重要度の表示名を返す。
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Notification はユーザーに表示する1件の通知。
type Notification struct {
	// Level は通知の重要度。
	Level Level
	// Message は表示するメッセージ。
	Message string
}

// Notifier は通知の表示先。
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc は関数をNotifierとして扱うためのアダプタ。
type NotifierFunc func(ctx context.Context, n Notification)

// Notify はf(ctx, n)を呼び出す。
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Discard は何も表示しないNotifier。
var Discard Notifier = NotifierFunc(func(context.Context, Notification) {})

// DefaultWindow は同一メッセージを抑制する既定の時間幅。
const DefaultWindow = 1500 * time.Millisecond

// Deduper は同一メッセージの通知を一定時間抑制するNotifier。
// メッセージごとにトークンバケット（容量1、補充間隔window）を持ち、
// 最後に表示してからwindowが経過するまで同じメッセージを捨てる。
type Deduper struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*dedupEntry
}

type dedupEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// DeduperOption はDeduperの設定を変更する。
type DeduperOption func(*Deduper)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) DeduperOption {
	return func(d *Deduper) { d.now = now }
}

// NewDeduper はnextへの通知を重複抑制するDeduperを生成する。
// windowが0以下の場合はDefaultWindowを使う。
func NewDeduper(next Notifier, window time.Duration, opts ...DeduperOption) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Deduper{
		next:    next,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*dedupEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify はwindow内に同じメッセージが表示されていなければnextに転送する。
func (d *Deduper) Notify(ctx context.Context, n Notification) {
	if n.Message == "" {
		return
	}
	now := d.now()

	d.mu.Lock()
	d.prune(now)
	e, ok := d.entries[n.Message]
	if !ok {
		e = &dedupEntry{limiter: rate.NewLimiter(rate.Every(d.window), 1)}
		d.entries[n.Message] = e
	}
	e.seen = now
	allowed := e.limiter.AllowN(now, 1)
	d.mu.Unlock()

	if allowed {
		d.next.Notify(ctx, n)
	}
}

// prune はwindow以上参照されていないエントリを捨てる。d.muを保持して呼ぶこと。
func (d *Deduper) prune(now time.Time) {
	for msg, e := range d.entries {
		if now.Sub(e.seen) >= d.window {
			delete(d.entries, msg)
		}
	}
}

// LogNotifier は通知をzapロガーに出力するNotifier。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify は通知をログに出力する。
func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	switch n.Level {
	case LevelError:
		l.logger.Error("user notification", zap.String("message", n.Message))
	case LevelWarn:
		l.logger.Warn("user notification", zap.String("message", n.Message))
	default:
		l.logger.Info("user notification", zap.String("message", n.Message))
	}
}

// WriterNotifier は通知をio.Writerに1行ずつ書き出すNotifier。CLIの標準エラー出力向け。
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterNotifier はWriterNotifierを生成する。
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

// Notify は "[level] message" の形式で書き出す。
func (w *WriterNotifier) Notify(_ context.Context, n Notification) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = fmt.Fprintf(w.w, "[%s] %s\n", n.Level, n.Message)
}
