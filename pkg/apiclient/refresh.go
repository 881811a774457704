package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ticket はトークンのリフレッシュ完了を待っているリクエスト1件。
// settleはちょうど1回だけ呼ばれる。
type ticket struct {
	// id はリクエストID。ログ用。
	id string
	// original は最初に受け取った401。リフレッシュ失敗時にそのまま返す。
	original failure
	// resume は新しいトークンで元のリクエストを再送する。
	// リクエストを書き終えた時点、または送信できずに終わった時点でdispatchedを呼ぶ。
	resume func(token string, dispatched func()) outcome
	// done は結果の受け渡し先。呼び出し元が待機をやめても詰まらないようにバッファ1。
	done chan outcome
}

// outcome は待機していたリクエストの最終結果。failがnilなら成功。
type outcome struct {
	resp *Response
	fail *failure
}

func (t *ticket) settle(o outcome) {
	t.done <- o
}

// ticketQueue は到着順にticketを保持するFIFO。
type ticketQueue struct {
	items []*ticket
}

func (q *ticketQueue) push(t *ticket) {
	q.items = append(q.items, t)
}

// drain は全ticketを到着順で取り出し、キューを空にする。
func (q *ticketQueue) drain() []*ticket {
	items := q.items
	q.items = nil
	return items
}

func (q *ticketQueue) len() int {
	return len(q.items)
}

// refreshCoordinator はリフレッシュ中フラグと待機中ticketのキューを管理する。
// フラグの確認・設定とキューへの追加、フラグの解除とキューの取り出しは
// それぞれ同じクリティカルセクション内で行う。
type refreshCoordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      ticketQueue
}

// join はticketをキューに追加する。
// リフレッシュが走っていなければフラグを立ててtrueを返し、呼び出し側がリフレッシュを開始する。
func (rc *refreshCoordinator) join(t *ticket) (leader bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.queue.push(t)
	if rc.refreshing {
		return false
	}
	rc.refreshing = true
	return true
}

// finish はフラグを下ろし、待機中のticketを到着順で返す。
func (rc *refreshCoordinator) finish() []*ticket {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.refreshing = false
	return rc.queue.drain()
}

// state はリフレッシュ中かどうかと待機数を返す。テスト用。
func (rc *refreshCoordinator) state() (refreshing bool, waiting int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.refreshing, rc.queue.len()
}

// awaitRefresh は401になったリクエストをリフレッシュ待ちにし、再送の結果を返す。
// リフレッシュが走っていなければこの呼び出しがリフレッシュを開始する。
func (c *Client) awaitRefresh(ctx context.Context, cl *call, original failure) (*Response, *failure) {
	t := &ticket{
		id:       cl.requestID,
		original: original,
		done:     make(chan outcome, 1),
		resume: func(token string, dispatched func()) outcome {
			defer dispatched()
			if err := ctx.Err(); err != nil {
				return outcome{fail: &failure{err: err}}
			}
			traced := httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
				WroteRequest: func(httptrace.WroteRequestInfo) { dispatched() },
			})
			resp, err := c.send(traced, cl, token)
			return outcome{resp: resp, fail: classify(cl, resp, err)}
		},
	}

	c.metrics.enqueued()
	if c.coordinator.join(t) {
		// 呼び出し元のキャンセルで他の待機者のリフレッシュが止まらないよう、独立したゴルーチンで実行する。
		go c.refresh()
	} else {
		c.logger.Debug("リフレッシュ完了待ちに追加しました", zap.String("request_id", t.id))
	}

	select {
	case o := <-t.done:
		return o.resp, o.fail
	case <-ctx.Done():
		return nil, &failure{err: ctx.Err()}
	}
}

// refresh はリフレッシュエンドポイントを1回呼び出し、待機中のticketを到着順に解決する。
// 成功時は新しいトークンで各リクエストを到着順に再送し、失敗時は各リクエストを元の401で拒否する。
func (c *Client) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.requestNewToken(ctx)
	if err == nil {
		if serr := c.creds.SetToken(ctx, token); serr != nil {
			// 保存に失敗しても待機中のリクエストには新しいトークンを使う
			c.logger.Warn("新しいトークンの保存に失敗しました", zap.Error(serr))
		}
	}
	c.metrics.observeRefresh(err)

	tickets := c.coordinator.finish()
	c.metrics.settled(len(tickets))
	if err != nil {
		c.logger.Warn("トークンのリフレッシュに失敗しました",
			zap.Int("waiting", len(tickets)),
			zap.Error(err),
		)
	} else {
		c.logger.Info("トークンをリフレッシュしました", zap.Int("waiting", len(tickets)))
	}

	for _, t := range tickets {
		if err != nil {
			original := t.original
			t.settle(outcome{fail: &original})
			continue
		}
		t.dispatch(token)
	}
}

// dispatch は再送を別のゴルーチンで開始し、リクエストが書き出されるまで待つ。
// 再送の開始順は到着順のまま、応答の待ち合わせは各再送で並行に行われる。
func (t *ticket) dispatch(token string) {
	var once sync.Once
	started := make(chan struct{})
	dispatched := func() { once.Do(func() { close(started) }) }

	go func() { t.settle(t.resume(token, dispatched)) }()
	<-started
}

// requestNewToken はリフレッシュエンドポイントを呼び出して新しいアクセストークンを取得する。
// 認証にはHTTP-onlyクッキーを使うため、ボディは送らない。
func (c *Client) requestNewToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.refreshPath, nil), nil)
	if err != nil {
		return "", fmt.Errorf("リフレッシュ要求の作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderLocale, c.resolveScope(ctx).Locale)
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(http.MethodPost, 0)
		return "", fmt.Errorf("リフレッシュ要求の送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.observeRequest(http.MethodPost, resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("リフレッシュ応答の読み取りに失敗: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Method: http.MethodPost, Path: c.refreshPath, Code: resp.StatusCode}
	}
	if env := parseEnvelope(body); env.Success != nil && !*env.Success {
		return "", errors.New("リフレッシュがバックエンドに拒否されました")
	}
	token, ok := extractAccessToken(body)
	if !ok {
		return "", ErrNoToken
	}
	return token, nil
}
