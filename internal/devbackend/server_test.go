package devbackend

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/vetclinic/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestServer はデモデータ入りのインメモリストアを使うテスト用サーバーを生成する。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	return NewServer(Config{
		JWTSecret:      testJWTSecret,
		AccessTTL:      time.Minute,
		RefreshTTL:     time.Hour,
		AllowedOrigins: []string{"http://localhost:5173"},
	}, newTestStore(t), nil)
}

// envelope はバックエンド共通形式のレスポンス。
type envelope struct {
	IsSuccess bool            `json:"isSuccess"`
	Data      json.RawMessage `json:"data"`
	Errors    []string        `json:"errors"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (%s)", err, w.Body.String())
	}
	return env
}

// do はサーバーにリクエストを送る。
func do(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

// login はデモユーザーでログインしてアクセストークンとリフレッシュクッキーを返す。
func login(t *testing.T, s *Server, email string) (string, *http.Cookie) {
	t.Helper()

	w := do(s, http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+DemoPassword+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ログインに失敗: %d %s", w.Code, w.Body.String())
	}
	var data struct {
		AccessToken    string `json:"accessToken"`
		OrganizationID int64  `json:"organizationId"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &data); err != nil {
		t.Fatal(err)
	}
	for _, ck := range w.Result().Cookies() {
		if ck.Name == refreshCookie {
			return data.AccessToken, ck
		}
	}
	t.Fatal("リフレッシュクッキーが設定されていない")
	return "", nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// TestAuth は認証エンドポイントを検証する。
func TestAuth(t *testing.T) {
	t.Parallel()

	t.Run("ログインでアクセストークンとHTTP-onlyクッキーが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := do(s, http.MethodPost, "/auth/login", `{"email":"vet@example.com","password":"password"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		env := decode(t, w)
		var data struct {
			AccessToken    string `json:"accessToken"`
			OrganizationID int64  `json:"organizationId"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatal(err)
		}
		if !env.IsSuccess || data.AccessToken == "" || data.OrganizationID != 1 {
			t.Errorf("env = %+v, data = %+v", env, data)
		}

		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != refreshCookie || !cookies[0].HttpOnly || cookies[0].Path != "/auth" {
			t.Errorf("cookies = %+v", cookies)
		}
	})

	t.Run("ログイン失敗はエラーリスト付きで返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		tests := []struct {
			body string
			want int
		}{
			{body: `{"email":"vet@example.com","password":"nope"}`, want: http.StatusUnauthorized},
			{body: `{"email":"vet@example.com"}`, want: http.StatusBadRequest},
			{body: `not json`, want: http.StatusBadRequest},
		}
		for _, tt := range tests {
			w := do(s, http.MethodPost, "/auth/login", tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("%s: ステータスコード = %d, want %d", tt.body, w.Code, tt.want)
			}
			if env := decode(t, w); env.IsSuccess || len(env.Errors) != 1 {
				t.Errorf("%s: env = %+v", tt.body, env)
			}
		}
	})

	t.Run("クッキーでアクセストークンを再発行できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		_, cookie := login(t, s, "vet@example.com")

		w := do(s, http.MethodPost, "/auth/refresh", "", http.Header{"Cookie": {refreshCookie + "=" + cookie.Value}})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d: %s", w.Code, w.Body.String())
		}
		var data struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.Unmarshal(decode(t, w).Data, &data); err != nil || data.AccessToken == "" {
			t.Fatalf("data = %+v, err = %v", data, err)
		}

		w = do(s, http.MethodGet, "/api/owners", "", bearer(data.AccessToken))
		if w.Code != http.StatusOK {
			t.Errorf("再発行したトークンでの呼び出し = %d", w.Code)
		}
	})

	t.Run("クッキーが無いか失効済みの場合は401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		_, cookie := login(t, s, "vet@example.com")

		if w := do(s, http.MethodPost, "/auth/refresh", "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("クッキーなし = %d", w.Code)
		}

		w := do(s, http.MethodPost, "/auth/logout", "", http.Header{"Cookie": {refreshCookie + "=" + cookie.Value}})
		if w.Code != http.StatusOK {
			t.Fatalf("ログアウト = %d", w.Code)
		}
		cleared := w.Result().Cookies()
		if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
			t.Errorf("クッキーが削除されていない: %+v", cleared)
		}

		w = do(s, http.MethodPost, "/auth/refresh", "", http.Header{"Cookie": {refreshCookie + "=" + cookie.Value}})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("失効済み = %d", w.Code)
		}
		if env := decode(t, w); len(env.Errors) != 1 {
			t.Errorf("errors = %v", env.Errors)
		}
	})
}

// TestTenantScope はクリニックと組織のヘッダーによる絞り込みを検証する。
func TestTenantScope(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	token, _ := login(t, s, "vet@example.com")

	owners := func(t *testing.T, h http.Header) (int, []Owner) {
		t.Helper()
		w := do(s, http.MethodGet, "/api/owners", "", h)
		if w.Code != http.StatusOK {
			return w.Code, nil
		}
		var list []Owner
		if err := json.Unmarshal(decode(t, w).Data, &list); err != nil {
			t.Fatal(err)
		}
		return w.Code, list
	}

	t.Run("ヘッダーなしでは組織の全クリニックが対象になること", func(t *testing.T) {
		t.Parallel()

		code, list := owners(t, bearer(token))
		if code != http.StatusOK || len(list) != 2 {
			t.Errorf("code = %d, owners = %+v", code, list)
		}
	})

	t.Run("X-Clinic-Idで1クリニックに絞り込まれること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Clinic-Id", "2")
		code, list := owners(t, h)
		if code != http.StatusOK || len(list) != 1 || list[0].ClinicID != 2 {
			t.Errorf("code = %d, owners = %+v", code, list)
		}
	})

	t.Run("組織外のクリニックはエラーリストなしの403になること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Clinic-Id", "3")
		w := do(s, http.MethodGet, "/api/owners", "", h)
		if w.Code != http.StatusForbidden {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		if env := decode(t, w); env.IsSuccess || len(env.Errors) != 0 {
			t.Errorf("env = %+v", env)
		}
	})

	t.Run("別の組織IDは403になること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Organization-Id", "2")
		if code, _ := owners(t, h); code != http.StatusForbidden {
			t.Errorf("code = %d, want %d", code, http.StatusForbidden)
		}
	})

	t.Run("数値でないクリニックIDは400になること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Clinic-Id", "ALL")
		if code, _ := owners(t, h); code != http.StatusBadRequest {
			t.Errorf("code = %d, want %d", code, http.StatusBadRequest)
		}
	})

	t.Run("患畜の登録は選択中のクリニックに行われること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Clinic-Id", "1")
		w := do(s, http.MethodPost, "/api/animals", `{"name":"Murka","species":"cat"}`, h)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d: %s", w.Code, w.Body.String())
		}
		var a Animal
		if err := json.Unmarshal(decode(t, w).Data, &a); err != nil {
			t.Fatal(err)
		}
		if a.ClinicID != 1 || a.ID == 0 {
			t.Errorf("animal = %+v", a)
		}
	})

	t.Run("クリニック未選択で登録先が無い場合は400になること", func(t *testing.T) {
		t.Parallel()

		w := do(s, http.MethodPost, "/api/animals", `{"name":"Murka","species":"cat"}`, bearer(token))
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("ボディで組織外のクリニックを指定すると403になること", func(t *testing.T) {
		t.Parallel()

		w := do(s, http.MethodPost, "/api/animals", `{"clinicId":3,"name":"Murka","species":"cat"}`, bearer(token))
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("クリニック一覧が返ること", func(t *testing.T) {
		t.Parallel()

		w := do(s, http.MethodGet, "/api/clinics", "", bearer(token))
		var list []Clinic
		if err := json.Unmarshal(decode(t, w).Data, &list); err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 {
			t.Errorf("clinics = %+v", list)
		}
	})
}

// TestAccessToken はアクセストークンの検証を検証する。
func TestAccessToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	t.Run("期限切れトークンはエラーリストなしの401になること", func(t *testing.T) {
		t.Parallel()

		expired, err := middleware.GenerateJWT(testJWTSecret, middleware.Identity{UserID: "u", OrganizationID: "1", Clinics: []int64{1}}, -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		w := do(s, http.MethodGet, "/api/owners", "", bearer(expired))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード = %d", w.Code)
		}
		if env := decode(t, w); len(env.Errors) != 0 {
			t.Errorf("errors = %v", env.Errors)
		}
	})

	t.Run("トークンなしは401になること", func(t *testing.T) {
		t.Parallel()

		if w := do(s, http.MethodGet, "/api/animals", "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d", w.Code)
		}
	})
}

// TestMedia はバイナリ配信を検証する。
func TestMedia(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	token, _ := login(t, s, "vet@example.com")

	t.Run("PNG画像が返ること", func(t *testing.T) {
		t.Parallel()

		w := do(s, http.MethodGet, "/api/media/cat.png", "", bearer(token))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d", w.Code)
		}
		if got := w.Header().Get("Content-Type"); got != "image/png" {
			t.Errorf("Content-Type = %q", got)
		}
		img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
		if err != nil {
			t.Fatalf("PNGのデコードに失敗: %v", err)
		}
		if b := img.Bounds(); b.Dx() != mediaSize || b.Dy() != mediaSize {
			t.Errorf("bounds = %v", b)
		}
	})

	t.Run("クリニックヘッダーの値に関係なく返ること", func(t *testing.T) {
		t.Parallel()

		h := bearer(token)
		h.Set("X-Clinic-Id", "999")
		if w := do(s, http.MethodGet, "/api/media/dog.png", "", h); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d", w.Code)
		}
	})

	t.Run("PNG以外は404になること", func(t *testing.T) {
		t.Parallel()

		if w := do(s, http.MethodGet, "/api/media/notes.txt", "", bearer(token)); w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d", w.Code)
		}
	})
}

// TestHealthAndMetrics はヘルスチェックとメトリクスを検証する。
func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	if w := do(s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
	w := do(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `devbackend_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Errorf("メトリクスにリクエスト数が含まれない:\n%s", w.Body.String())
	}
}
