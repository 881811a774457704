package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind は正規化エラーの分類。
type Kind int

const (
	// KindOther はその他のステータスやクライアント側の組み立てエラー。
	KindOther Kind = iota
	// KindUnauthorized は回復できなかった401。
	KindUnauthorized
	// KindForbidden は403。
	KindForbidden
	// KindNetwork はレスポンスを受け取れなかった失敗（タイムアウト、DNS、接続拒否など）。
	KindNetwork
)

// String は分類名を返す。
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNetwork:
		return "network"
	default:
		return "other"
	}
}

// Error は呼び出し元に返す正規化エラー。
// 失敗したリクエスト1件につき1つだけ生成される。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message はユーザーに表示できるメッセージ。
	Message string
	// StatusCode はHTTPステータスコード。レスポンスが無い場合は0。
	StatusCode int
	// Payload はバックエンドが返した生のボディ。
	Payload json.RawMessage
	// Err は元になった下位レベルのエラー。
	Err error
}

// Error はユーザー向けメッセージを返す。
func (e *Error) Error() string {
	return e.Message
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError は2xx以外のレスポンスを表す下位レベルのエラー。
type StatusError struct {
	// Method はリクエストメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Code はHTTPステータスコード。
	Code int
}

// Error はステータスとリクエストを含む診断用メッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, %s %s", e.Code, e.Method, e.Path)
}

// ErrNoToken はログインレスポンスにアクセストークンが含まれていないことを表す。
var ErrNoToken = errors.New("レスポンスにアクセストークンが含まれていません")

// messageKey はロケール別の固定メッセージの識別子。
type messageKey int

const (
	msgUnauthorized messageKey = iota
	msgForbidden
	msgNoConnection
	msgGeneric
)

// messages はロケール別の固定フォールバックメッセージ。
var messages = map[string]map[messageKey]string{
	"en": {
		msgUnauthorized: "Your session has expired. Please sign in again.",
		msgForbidden:    "You do not have permission to perform this action.",
		msgNoConnection: "No connection to the server. Check your network connection.",
		msgGeneric:      "Something went wrong. Please try again.",
	},
	"ru": {
		msgUnauthorized: "Сессия истекла. Пожалуйста, войдите снова.",
		msgForbidden:    "Недостаточно прав для выполнения этого действия.",
		msgNoConnection: "Нет соединения с сервером. Проверьте подключение к сети.",
		msgGeneric:      "Что-то пошло не так. Попробуйте ещё раз.",
	},
	"az": {
		msgUnauthorized: "Sessiyanın vaxtı bitib. Zəhmət olmasa yenidən daxil olun.",
		msgForbidden:    "Bu əməliyyat üçün icazəniz yoxdur.",
		msgNoConnection: "Serverlə əlaqə yoxdur. İnternet bağlantınızı yoxlayın.",
		msgGeneric:      "Xəta baş verdi. Yenidən cəhd edin.",
	},
}

// fallbackLocale はカタログに無いロケールで使うロケール。
const fallbackLocale = "en"

// message はロケールに対応する固定メッセージを返す。
// "ru-RU" のような地域付きのタグは言語部分で照合する。
func message(locale string, key messageKey) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if base, _, found := strings.Cut(locale, "-"); found {
		locale = base
	}
	if catalog, ok := messages[locale]; ok {
		return catalog[key]
	}
	return messages[fallbackLocale][key]
}

// failure は正規化前の失敗1件。
type failure struct {
	// resp はレスポンス。ネットワークエラーの場合はnil。
	resp *Response
	// err は下位レベルのエラー。
	err error
	// setup はリクエストの組み立て段階で失敗したかどうか。
	setup bool
}

// normalize は失敗を正規化エラーに変換する。
// 優先順位: バックエンドのエラーリスト > ステータス別の固定メッセージ > 接続なし > 下位エラーのメッセージ。
// エラーリストの無い401/403以外の応答は汎用メッセージになる。StatusErrorの文言は利用者に見せず、Errで辿れるだけにする。
func normalize(f failure, locale string) *Error {
	e := &Error{Kind: KindOther, Err: f.err}

	var backendErrors []string
	if f.resp != nil {
		e.StatusCode = f.resp.StatusCode
		if len(f.resp.Body) > 0 && json.Valid(f.resp.Body) {
			e.Payload = json.RawMessage(f.resp.Body)
		}
		backendErrors = parseEnvelope(f.resp.Body).Errors
	}

	switch {
	case f.resp == nil && !f.setup:
		e.Kind = KindNetwork
	case e.StatusCode == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case e.StatusCode == http.StatusForbidden:
		e.Kind = KindForbidden
	}

	switch {
	case len(backendErrors) > 0:
		e.Message = backendErrors[0]
	case e.Kind == KindUnauthorized:
		e.Message = message(locale, msgUnauthorized)
	case e.Kind == KindForbidden:
		e.Message = message(locale, msgForbidden)
	case e.Kind == KindNetwork:
		e.Message = message(locale, msgNoConnection)
	case f.setup && f.err != nil:
		e.Message = f.err.Error()
	default:
		e.Message = message(locale, msgGeneric)
	}
	return e
}
