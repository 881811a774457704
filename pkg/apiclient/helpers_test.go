package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/vetclinic/pkg/credstore"
	"github.com/nao1215/vetclinic/pkg/notify"
)

// recorder は受け取った通知を記録するNotifier。
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, n.Message)
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// fakeNavigator はログイン画面への遷移回数を数えるNavigator。
type fakeNavigator struct {
	mu        sync.Mutex
	atLogin   bool
	redirects int
}

func (n *fakeNavigator) AtLogin() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.atLogin
}

func (n *fakeNavigator) RedirectToLogin() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects++
}

func (n *fakeNavigator) Redirects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.redirects
}

// seenRequest はテストサーバーが受け取ったリクエスト情報。
type seenRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeBackend はトークンのリフレッシュを模したテスト用バックエンド。
// validTokenのベアラートークンを持つリクエストだけを通し、それ以外は401を返す。
type fakeBackend struct {
	ts *httptest.Server

	mu         sync.Mutex
	validToken string
	requests   []seenRequest
	refreshes  int

	// refreshHandler が設定されている場合は /auth/refresh をこれで処理する。
	refreshHandler http.HandlerFunc
	// handler が設定されている場合は /auth 以外のパスをこれで処理する。
	handler http.HandlerFunc
}

func newFakeBackend(t *testing.T, validToken string) *fakeBackend {
	t.Helper()

	b := &fakeBackend{validToken: validToken}
	b.ts = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.ts.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.requests = append(b.requests, seenRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	if r.URL.Path == "/auth/refresh" {
		b.refreshes++
	}
	refreshHandler := b.refreshHandler
	handler := b.handler
	valid := b.validToken
	b.mu.Unlock()

	if r.URL.Path == "/auth/refresh" {
		if refreshHandler != nil {
			refreshHandler(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"isSuccess": true,
			"data":      map[string]any{"accessToken": valid},
		})
		return
	}

	if handler != nil {
		handler(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"isSuccess": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isSuccess": true, "data": map[string]any{"path": r.URL.Path}})
}

// Requests は受け取ったリクエストのうちpathに一致するものを返す。
func (b *fakeBackend) Requests(path string) []seenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []seenRequest
	for _, r := range b.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (b *fakeBackend) Refreshes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newTestClient はメモリストアを使うテスト用クライアントを生成する。
func newTestClient(t *testing.T, baseURL string, token string, opts ...Option) (*Client, *credstore.Credentials) {
	t.Helper()

	creds := credstore.New(credstore.NewMemory())
	if token != "" {
		if err := creds.SetToken(context.Background(), token); err != nil {
			t.Fatalf("SetToken() error = %v", err)
		}
	}
	c, err := New(baseURL, creds, append([]Option{WithTimeout(5 * time.Second)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, creds
}

// waitForWaiters はリフレッシュ待ちのリクエストがn件になるまで待つ。
// テストサーバーのハンドラーからも呼ぶため、失敗してもtを止めずfalseを返す。
func waitForWaiters(c *Client, n int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, waiting := c.coordinator.state(); waiting >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// orderTransport はtokenのベアラートークンを持つリクエストの送信順を記録するRoundTripper。
type orderTransport struct {
	token string

	mu    sync.Mutex
	paths []string
}

func (o *orderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("Authorization") == "Bearer "+o.token {
		o.mu.Lock()
		o.paths = append(o.paths, r.URL.Path)
		o.mu.Unlock()
	}
	return http.DefaultTransport.RoundTrip(r)
}

func (o *orderTransport) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}
