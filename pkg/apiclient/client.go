package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/nao1215/vetclinic/pkg/credstore"
	"github.com/nao1215/vetclinic/pkg/notify"
)

const (
	// DefaultTimeout はリクエスト1回あたりの既定タイムアウト。
	DefaultTimeout = 30 * time.Second
	// DefaultLoginPath はログインエンドポイントの既定パス。
	DefaultLoginPath = "/auth/login"
	// DefaultRefreshPath はリフレッシュエンドポイントの既定パス。
	DefaultRefreshPath = "/auth/refresh"
	// DefaultLogoutPath はログアウトエンドポイントの既定パス。
	DefaultLogoutPath = "/auth/logout"
	// DefaultLocale は既定のUIロケール。
	DefaultLocale = "en"

	// maxBodySize はレスポンスボディとして読み込む上限。
	maxBodySize = 32 << 20
)

// Navigator は回復できない401の後にUIをログイン画面へ遷移させる。
type Navigator interface {
	// AtLogin は現在ログイン画面を表示しているかを返す。
	AtLogin() bool
	// RedirectToLogin はログイン画面へ遷移する。
	RedirectToLogin()
}

type noopNavigator struct{}

func (noopNavigator) AtLogin() bool    { return false }
func (noopNavigator) RedirectToLogin() {}

// Client はバックエンドAPIの認証付きHTTPクライアント。
// 複数のゴルーチンから同時に使用できる。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL はバックエンドのベースURL（末尾の/なし）。
	baseURL string
	// creds はトークンとスコープの保存先。
	creds *credstore.Credentials
	// notifier はユーザー向け通知の送出先。
	notifier notify.Notifier
	// navigator はセッション切れ時の遷移先。
	navigator Navigator
	// logger は構造化ロガー。
	logger *zap.Logger
	// metrics はPrometheusメトリクス。nilの場合は記録しない。
	metrics *metrics
	// coordinator はリフレッシュの単一実行を保証する状態。
	coordinator refreshCoordinator

	timeout       time.Duration
	loginPath     string
	refreshPath   string
	logoutPath    string
	defaultLocale string
	dedupWindow   time.Duration
	registerer    prometheus.Registerer
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は内部で使うHTTPクライアントを差し替える。
// hcはNewでコピーされ、呼び出し元のクライアントは変更されない。
// コピーのJarが未設定ならリフレッシュ用のクッキージャーを、Timeoutが0ならWithTimeoutの値を設定する。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout はリクエストとリフレッシュのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNotifier はユーザー向け通知の送出先を設定する。通知は重複抑制されてから渡される。
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithDedupWindow は同一通知を抑制する時間幅を設定する。
func WithDedupWindow(d time.Duration) Option {
	return func(c *Client) { c.dedupWindow = d }
}

// WithNavigator はセッション切れ時の遷移先を設定する。
func WithNavigator(n Navigator) Option {
	return func(c *Client) {
		if n != nil {
			c.navigator = n
		}
	}
}

// WithMetrics はメトリクスの登録先を設定する。
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithPaths はログインとリフレッシュのエンドポイントのパスを設定する。
func WithPaths(login, refresh string) Option {
	return func(c *Client) {
		if login != "" {
			c.loginPath = login
		}
		if refresh != "" {
			c.refreshPath = refresh
		}
	}
}

// WithDefaultLocale はロケールが未設定の場合に使うロケールを設定する。
func WithDefaultLocale(locale string) Option {
	return func(c *Client) {
		if locale != "" {
			c.defaultLocale = locale
		}
	}
}

// New は新しいClientを生成する。
// baseURLにはバックエンドのベースURL（例: "https://api.example.com/api"）を指定する。
func New(baseURL string, creds *credstore.Credentials, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("資格情報ストアが指定されていません")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ベースURLが不正です: %q", baseURL)
	}

	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		creds:         creds,
		notifier:      notify.Discard,
		navigator:     noopNavigator{},
		logger:        zap.NewNop(),
		timeout:       DefaultTimeout,
		loginPath:     DefaultLoginPath,
		refreshPath:   DefaultRefreshPath,
		logoutPath:    DefaultLogoutPath,
		defaultLocale: DefaultLocale,
		dedupWindow:   notify.DefaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := http.Client{}
	if c.httpClient != nil {
		hc = *c.httpClient
	}
	if hc.Timeout == 0 {
		hc.Timeout = c.timeout
	}
	c.httpClient = &hc
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("クッキージャーの作成に失敗: %w", err)
		}
		c.httpClient.Jar = jar
	}
	c.notifier = notify.NewDeduper(c.notifier, c.dedupWindow)
	c.metrics = newMetrics(c.registerer)
	return c, nil
}

// Request は1回のAPI呼び出し。
type Request struct {
	// Method はHTTPメソッド。空の場合はGET。
	Method string
	// Path はベースURLからの相対パス。
	Path string
	// Query はクエリパラメータ。
	Query url.Values
	// Body はJSONにシリアライズして送るボディ。nilの場合はボディなし。
	// []byteやjson.RawMessageはそのまま送る。
	Body any
	// Header は追加のリクエストヘッダー。スコープ系のヘッダーは上書きされる。
	Header http.Header
	// Silent がtrueの場合はユーザー向け通知を出さない。
	Silent bool
}

// Response はバックエンドのレスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// Decode はボディをJSONとしてvにデシリアライズする。ボディが空の場合は何もしない。
func (r *Response) Decode(v any) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// call は論理リクエスト1件の送信状態。再送時も同じcallを使う。
type call struct {
	method    string
	path      string
	query     url.Values
	header    http.Header
	body      []byte
	requestID string
	// media はバイナリ取得用の呼び出しかどうか。スコープヘッダーとリフレッシュを使わない。
	media bool
	// silent はユーザー向け通知を出さないかどうか。
	silent bool
	// retried は認証回復のための再送を1回行ったかどうか。
	retried bool
}

// Do はリクエストを送信し、2xxのレスポンスを返す。
// 失敗した場合は*Errorを返す。
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	cl := &call{
		method:    strings.ToUpper(r.Method),
		path:      r.Path,
		query:     r.Query,
		header:    r.Header,
		requestID: uuid.NewString(),
		silent:    r.Silent,
	}
	if cl.method == "" {
		cl.method = http.MethodGet
	}

	body, err := encodeBody(r.Body)
	if err != nil {
		return nil, c.fail(ctx, cl, failure{err: err, setup: true})
	}
	cl.body = body

	return c.execute(ctx, cl)
}

// GetJSON は指定パスにGETリクエストを送信し、レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// PutJSON は指定パスにJSONボディでPUTリクエストを送信する。
func (c *Client) PutJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, result)
}

// DeleteJSON は指定パスにDELETEリクエストを送信する。
func (c *Client) DeleteJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, result)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	return resp.Decode(result)
}

// execute は送信と認証回復、失敗時の正規化を行う。
func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	resp, err := c.send(ctx, cl, "")
	f := classify(cl, resp, err)
	if f == nil {
		return resp, nil
	}

	if c.recoverable(cl, f) {
		cl.retried = true
		resp, f = c.awaitRefresh(ctx, cl, *f)
		if f == nil {
			return resp, nil
		}
	}
	return nil, c.fail(ctx, cl, *f)
}

// recoverable はリフレッシュによる回復を試みるべき失敗かを返す。
// 401であり、ログイン/リフレッシュ自身の呼び出しではなく、まだ再送していない場合のみ。
func (c *Client) recoverable(cl *call, f *failure) bool {
	if f.resp == nil || f.resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	return !cl.retried && !cl.media && !c.isAuthPath(cl.path)
}

// isAuthPath はパスがログインまたはリフレッシュのエンドポイントかを返す。
func (c *Client) isAuthPath(p string) bool {
	p, _, _ = strings.Cut(p, "?")
	p = "/" + strings.Trim(p, "/")
	return p == "/"+strings.Trim(c.loginPath, "/") || p == "/"+strings.Trim(c.refreshPath, "/")
}

// classify は送信結果を失敗に変換する。2xxの場合はnilを返す。
func classify(cl *call, resp *Response, err error) *failure {
	if err != nil {
		return &failure{err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &failure{
		resp: resp,
		err:  &StatusError{Method: cl.method, Path: cl.path, Code: resp.StatusCode},
	}
}

// send はリクエストを1回送信する。tokenが空の場合はストアのトークンを使う。
// 2xx以外のレスポンスもエラーにせずに返す。
func (c *Client) send(ctx context.Context, cl *call, token string) (*Response, error) {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.url(cl.path, cl.query), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	c.decorate(ctx, req, cl, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(cl.method, 0)
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.observeRequest(cl.method, resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// decorate は送信前のヘッダーを設定する。
func (c *Client) decorate(ctx context.Context, req *http.Request, cl *call, token string) {
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if token == "" {
		t, err := c.creds.Token(ctx)
		if err != nil {
			c.logger.Warn("トークンの読み込みに失敗しました。認証なしで送信します", zap.Error(err))
		}
		token = t
	}
	req.Header.Del("Authorization")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	scope := c.resolveScope(ctx)
	req.Header.Set(HeaderLocale, scope.Locale)
	req.Header.Set(HeaderRequestID, cl.requestID)

	if cl.media {
		// バイナリ取得ではJSONのAcceptとスコープヘッダーを送らない
		applyScope(req.Header, Scope{})
		return
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	applyScope(req.Header, scope)
}

// url はパスとクエリからリクエストURLを組み立てる。
func (c *Client) url(p string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(p, "/")
	if len(query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + query.Encode()
}

// encodeBody はボディを送信用のバイト列にする。再送できるよう1回だけシリアライズする。
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// fail は失敗を正規化し、副作用（セッション破棄、遷移、通知）を実行する。
func (c *Client) fail(ctx context.Context, cl *call, f failure) *Error {
	locale := c.resolveScope(ctx).Locale
	e := normalize(f, locale)

	c.logger.Debug("リクエストが失敗しました",
		zap.String("request_id", cl.requestID),
		zap.String("method", cl.method),
		zap.String("path", cl.path),
		zap.Int("status", e.StatusCode),
		zap.Stringer("kind", e.Kind),
		zap.Error(f.err),
	)

	isLogin := c.isLoginPath(cl.path)
	if e.Kind == KindUnauthorized && !isLogin && !cl.media {
		c.expireSession(ctx)
	}

	// ログイン失敗の表示は呼び出し元のUIが行う。呼び出し元によるキャンセルも通知しない。
	if cl.silent || isLogin || errors.Is(f.err, context.Canceled) {
		return e
	}
	c.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Message: e.Message})
	return e
}

// expireSession は回復できない401の後に資格情報を消去し、ログイン画面へ遷移させる。
func (c *Client) expireSession(ctx context.Context) {
	// 呼び出し元がキャンセル済みでも消去は行う
	if err := c.creds.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("資格情報の消去に失敗しました", zap.Error(err))
	}
	if !c.navigator.AtLogin() {
		c.navigator.RedirectToLogin()
	}
}

func (c *Client) isLoginPath(p string) bool {
	p, _, _ = strings.Cut(p, "?")
	return "/"+strings.Trim(p, "/") == "/"+strings.Trim(c.loginPath, "/")
}
