package credstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key はストアに保存する値のキー。
type Key string

const (
	// KeyToken はベアラートークンのキー。
	KeyToken Key = "token"
	// KeyOrganization は組織IDのキー。
	KeyOrganization Key = "organizationId"
	// KeyClinic は選択中のクリニックのキー。
	KeyClinic Key = "selectedClinic"
	// KeyStorage は選択中の倉庫のキー。
	KeyStorage Key = "selectedStorage"
	// KeyLocale はUIロケールのキー。
	KeyLocale Key = "locale"
)

// ErrCorrupted は保存されている値を解釈できないことを表す。
var ErrCorrupted = errors.New("保存値が破損しています")

// Backend は認証情報を保存するキーバリューストア。
// 実装はゴルーチンセーフでなければならない。
type Backend interface {
	// Get はキーに対応する値を返す。存在しない場合はokがfalseになる。
	Get(ctx context.Context, key Key) (value string, ok bool, err error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key Key, value string) error
	// Delete は指定したキーを削除する。存在しないキーは無視する。
	Delete(ctx context.Context, keys ...Key) error
}

// clinicAll は「すべてのクリニック」を表す保存値。
const clinicAll = "ALL"

// ClinicSelection はクリニックの選択状態を表す。
// ゼロ値は「未選択」を表す。
type ClinicSelection struct {
	id  int64
	all bool
}

// NoClinic は未選択状態を返す。
func NoClinic() ClinicSelection { return ClinicSelection{} }

// AllClinics は「すべてのクリニック」の選択状態を返す。
func AllClinics() ClinicSelection { return ClinicSelection{all: true} }

// Clinic は具体的なクリニックIDの選択状態を返す。
// 0以下のIDは未選択として扱う。
func Clinic(id int64) ClinicSelection {
	if id <= 0 {
		return NoClinic()
	}
	return ClinicSelection{id: id}
}

// ID は具体的なクリニックが選択されている場合にそのIDを返す。
// 未選択または「すべて」の場合はokがfalseになる。
func (c ClinicSelection) ID() (id int64, ok bool) {
	if c.all || c.id <= 0 {
		return 0, false
	}
	return c.id, true
}

// IsAll は「すべてのクリニック」が選択されているかを返す。
func (c ClinicSelection) IsAll() bool { return c.all }

// IsZero は未選択かどうかを返す。
func (c ClinicSelection) IsZero() bool { return !c.all && c.id <= 0 }

// String は保存形式の文字列を返す。未選択は空文字列。
func (c ClinicSelection) String() string {
	switch {
	case c.all:
		return clinicAll
	case c.id > 0:
		return strconv.FormatInt(c.id, 10)
	default:
		return ""
	}
}

// ParseClinic は保存形式の文字列をクリニックの選択状態に変換する。
func ParseClinic(s string) (ClinicSelection, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "undefined":
		return NoClinic(), nil
	case strings.ToLower(clinicAll):
		return AllClinics(), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return NoClinic(), fmt.Errorf("クリニック値 %q: %w", s, ErrCorrupted)
	}
	return Clinic(id), nil
}

// Credentials はBackend上に型付きのアクセサを提供する。
type Credentials struct {
	backend Backend
}

// New はBackendを包むCredentialsを生成する。
func New(backend Backend) *Credentials {
	return &Credentials{backend: backend}
}

// Token はベアラートークンを返す。未保存の場合は空文字列。
func (c *Credentials) Token(ctx context.Context) (string, error) {
	v, _, err := c.backend.Get(ctx, KeyToken)
	if err != nil {
		return "", fmt.Errorf("トークンの読み込みに失敗: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// SetToken はベアラートークンを保存する。空文字列の場合は削除する。
func (c *Credentials) SetToken(ctx context.Context, token string) error {
	return c.setOrDelete(ctx, KeyToken, strings.TrimSpace(token))
}

// Organization は組織IDを返す。未保存の場合は空文字列。
func (c *Credentials) Organization(ctx context.Context) (string, error) {
	v, _, err := c.backend.Get(ctx, KeyOrganization)
	if err != nil {
		return "", fmt.Errorf("組織IDの読み込みに失敗: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// SetOrganization は組織IDを保存する。空文字列の場合は削除する。
func (c *Credentials) SetOrganization(ctx context.Context, id string) error {
	return c.setOrDelete(ctx, KeyOrganization, strings.TrimSpace(id))
}

// Clinic は選択中のクリニックを返す。
// 保存値が解釈できない場合はErrCorruptedを包んだエラーを返す。
func (c *Credentials) Clinic(ctx context.Context) (ClinicSelection, error) {
	v, ok, err := c.backend.Get(ctx, KeyClinic)
	if err != nil {
		return NoClinic(), fmt.Errorf("クリニック選択の読み込みに失敗: %w", err)
	}
	if !ok {
		return NoClinic(), nil
	}
	return ParseClinic(v)
}

// SetClinic は選択中のクリニックを保存する。未選択の場合は削除する。
func (c *Credentials) SetClinic(ctx context.Context, sel ClinicSelection) error {
	return c.setOrDelete(ctx, KeyClinic, sel.String())
}

// Storage は選択中の倉庫IDを返す。未選択の場合はokがfalseになる。
func (c *Credentials) Storage(ctx context.Context) (id int64, ok bool, err error) {
	v, found, err := c.backend.Get(ctx, KeyStorage)
	if err != nil {
		return 0, false, fmt.Errorf("倉庫選択の読み込みに失敗: %w", err)
	}
	v = strings.TrimSpace(v)
	if !found || v == "" || v == "null" {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, fmt.Errorf("倉庫値 %q: %w", v, ErrCorrupted)
	}
	return id, true, nil
}

// SetStorage は選択中の倉庫IDを保存する。0以下の場合は削除する。
func (c *Credentials) SetStorage(ctx context.Context, id int64) error {
	if id <= 0 {
		return c.setOrDelete(ctx, KeyStorage, "")
	}
	return c.setOrDelete(ctx, KeyStorage, strconv.FormatInt(id, 10))
}

// Locale はUIロケールを返す。未保存の場合は空文字列。
func (c *Credentials) Locale(ctx context.Context) (string, error) {
	v, _, err := c.backend.Get(ctx, KeyLocale)
	if err != nil {
		return "", fmt.Errorf("ロケールの読み込みに失敗: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// SetLocale はUIロケールを保存する。空文字列の場合は削除する。
func (c *Credentials) SetLocale(ctx context.Context, locale string) error {
	return c.setOrDelete(ctx, KeyLocale, strings.TrimSpace(locale))
}

// Clear はログアウト時に認証情報とテナント選択を消去する。
// ロケールはユーザー設定なので残す。
func (c *Credentials) Clear(ctx context.Context) error {
	if err := c.backend.Delete(ctx, KeyToken, KeyOrganization, KeyClinic, KeyStorage); err != nil {
		return fmt.Errorf("認証情報の消去に失敗: %w", err)
	}
	return nil
}

func (c *Credentials) setOrDelete(ctx context.Context, key Key, value string) error {
	if value == "" {
		if err := c.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("%sの削除に失敗: %w", key, err)
		}
		return nil
	}
	if err := c.backend.Set(ctx, key, value); err != nil {
		return fmt.Errorf("%sの保存に失敗: %w", key, err)
	}
	return nil
}
