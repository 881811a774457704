package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTClaims はアクセストークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// OrganizationID はユーザーが所属する組織のID。
	OrganizationID string `json:"organization_id"`
	// Clinics はユーザーが参照できるクリニックIDの一覧。
	Clinics []int64 `json:"clinics"`
}

// Issuer はアクセストークンの発行者名。
const Issuer = "vetclinic-devbackend"

// コンテキストキー。
const (
	ctxKeyUserID       = "user_id"
	ctxKeyEmail        = "email"
	ctxKeyOrganization = "organization_id"
	ctxKeyClinics      = "clinics"
)

// Identity はトークンに載せるユーザー情報。
type Identity struct {
	UserID         string
	Email          string
	OrganizationID string
	Clinics        []int64
}

// GenerateJWT はユーザー情報から有効期限ttlのアクセストークンを生成する。
func GenerateJWT(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.NewString(),
		},
		UserID:         id.UserID,
		Email:          id.Email,
		OrganizationID: id.OrganizationID,
		Clinics:        id.Clinics,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// abortUnauthorized はバックエンド共通形式の401を返して処理を打ち切る。
func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"isSuccess": false,
		"errors":    []string{msg},
	})
}

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにユーザーID・メール・組織ID・クリニック一覧を設定する。
// 期限切れのトークンはエラーメッセージを付けずに401を返す。クライアントはこれを受けてリフレッシュする。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortUnauthorized(c, "Bearer トークン形式が不正です")
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
		if errors.Is(err, jwt.ErrTokenExpired) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"isSuccess": false})
			return
		}
		if err != nil || !token.Valid {
			abortUnauthorized(c, "トークンが無効です")
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyEmail, claims.Email)
		c.Set(ctxKeyOrganization, claims.OrganizationID)
		c.Set(ctxKeyClinics, claims.Clinics)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// GetOrganizationID はGinコンテキストから組織IDを取得する。
func GetOrganizationID(c *gin.Context) string {
	return c.GetString(ctxKeyOrganization)
}

// GetClinics はGinコンテキストから参照可能なクリニックIDの一覧を取得する。
func GetClinics(c *gin.Context) []int64 {
	v, _ := c.Get(ctxKeyClinics)
	clinics, _ := v.([]int64)
	return clinics
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(ctxKeyEmail)
}
