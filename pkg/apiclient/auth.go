package apiclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoginRequest はログインの資格情報。
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session はログインで得られたセッション情報。
type Session struct {
	// Token はアクセストークン。
	Token string
	// Organization は組織ID。レスポンスに含まれない場合は空。
	Organization string
}

// Login はログインエンドポイントを呼び出し、トークンと組織IDを資格情報ストアに保存する。
// ログインの失敗は通知せず、リフレッシュも行わない。
func (c *Client) Login(ctx context.Context, in LoginRequest) (*Session, error) {
	cl := &call{
		method:    http.MethodPost,
		path:      c.loginPath,
		requestID: uuid.NewString(),
	}
	body, err := encodeBody(in)
	if err != nil {
		return nil, c.fail(ctx, cl, failure{err: err, setup: true})
	}
	cl.body = body

	resp, err := c.execute(ctx, cl)
	if err != nil {
		return nil, err
	}

	if env := parseEnvelope(resp.Body); env.Success != nil && !*env.Success {
		return nil, c.fail(ctx, cl, failure{resp: resp, err: errors.New("ログインがバックエンドに拒否されました")})
	}
	token, ok := extractAccessToken(resp.Body)
	if !ok {
		return nil, c.fail(ctx, cl, failure{resp: resp, err: ErrNoToken})
	}
	org, _ := extractOrganization(resp.Body)

	if err := c.creds.SetToken(ctx, token); err != nil {
		return nil, c.fail(ctx, cl, failure{err: err, setup: true})
	}
	if err := c.creds.SetOrganization(ctx, org); err != nil {
		return nil, c.fail(ctx, cl, failure{err: err, setup: true})
	}
	c.logger.Info("ログインしました", zap.String("organization", org))
	return &Session{Token: token, Organization: org}, nil
}

// Logout はログアウトエンドポイントを呼び出し、資格情報ストアを消去する。
// エンドポイントの呼び出しに失敗してもローカルの資格情報は消去する。
func (c *Client) Logout(ctx context.Context) error {
	cl := &call{
		method:    http.MethodPost,
		path:      c.logoutPath,
		requestID: uuid.NewString(),
		silent:    true,
	}
	if _, err := c.send(ctx, cl, ""); err != nil {
		c.logger.Warn("ログアウト要求に失敗しました", zap.Error(err))
	}
	if err := c.creds.Clear(ctx); err != nil {
		return c.fail(ctx, cl, failure{err: err, setup: true})
	}
	return nil
}
