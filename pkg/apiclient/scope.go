package apiclient

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nao1215/vetclinic/pkg/credstore"
)

// 送信時に付与するヘッダー名。
const (
	// HeaderLocale はUIロケールのヘッダー。
	HeaderLocale = "Accept-Language"
	// HeaderClinic は選択中のクリニックIDのヘッダー。
	HeaderClinic = "X-Clinic-Id"
	// HeaderOrganization は組織IDのヘッダー。
	HeaderOrganization = "X-Organization-Id"
	// HeaderStorage は選択中の倉庫IDのヘッダー。
	HeaderStorage = "X-Storage-Id"
	// HeaderRequestID は論理リクエストごとのIDのヘッダー。再送しても変わらない。
	HeaderRequestID = "X-Request-Id"
)

// Scope はリクエストに付与するロケールとテナントのコンテキスト。
type Scope struct {
	// Locale はUIロケール。空の場合はクライアントの既定ロケール。
	Locale string
	// Clinic は選択中のクリニック。具体的なIDが選ばれている場合のみヘッダーを付ける。
	Clinic credstore.ClinicSelection
	// StorageID は選択中の倉庫ID。0の場合はヘッダーを付けない。
	StorageID int64
	// Organization は組織ID。空の場合はヘッダーを付けない。
	Organization string
}

type scopeKey struct{}

// WithScope はリクエストのスコープをコンテキストに設定する。
// 設定されたスコープは資格情報ストアの値より優先され、ストアからは読み込まない。
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// scopeFromContext はWithScopeで設定されたスコープを返す。
func scopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// resolveScope はリクエストに使うスコープを決める。
// ストアの読み込みに失敗した値はログに出して無いものとして扱い、リクエストは止めない。
func (c *Client) resolveScope(ctx context.Context) Scope {
	s, ok := scopeFromContext(ctx)
	if !ok {
		s = c.storedScope(ctx)
	}
	if s.Locale == "" {
		s.Locale = c.defaultLocale
	}
	return s
}

func (c *Client) storedScope(ctx context.Context) Scope {
	var s Scope

	if locale, err := c.creds.Locale(ctx); err != nil {
		c.logger.Warn("ロケールの読み込みに失敗しました", zap.Error(err))
	} else {
		s.Locale = locale
	}

	if clinic, err := c.creds.Clinic(ctx); err != nil {
		c.logger.Warn("クリニック選択の読み込みに失敗しました", zap.Error(err))
	} else {
		s.Clinic = clinic
	}

	if id, ok, err := c.creds.Storage(ctx); err != nil {
		c.logger.Warn("倉庫選択の読み込みに失敗しました", zap.Error(err))
	} else if ok {
		s.StorageID = id
	}

	if org, err := c.creds.Organization(ctx); err != nil {
		c.logger.Warn("組織IDの読み込みに失敗しました", zap.Error(err))
	} else {
		s.Organization = org
	}
	return s
}

// applyScope はスコープのヘッダーを設定する。値が無いヘッダーは必ず削除する。
// 呼び出し元が渡したヘッダーに古い値が残っていても送らないため。
func applyScope(h http.Header, s Scope) {
	h.Del(HeaderClinic)
	h.Del(HeaderOrganization)
	h.Del(HeaderStorage)

	if id, ok := s.Clinic.ID(); ok {
		h.Set(HeaderClinic, strconv.FormatInt(id, 10))
	}
	if s.Organization != "" {
		h.Set(HeaderOrganization, s.Organization)
	}
	if s.StorageID > 0 {
		h.Set(HeaderStorage, strconv.FormatInt(s.StorageID, 10))
	}
}
