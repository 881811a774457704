package apiclient

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Media はバイナリ取得の結果。
type Media struct {
	// ContentType はレスポンスのContent-Type。
	ContentType string
	// Body はバイナリ本体。
	Body []byte
}

// FetchMedia は画像などのバイナリをGETで取得する。
// トークンとロケールは付与するが、JSONのAcceptとスコープヘッダーは付与しない。
// 401になってもリフレッシュは行わず、セッションも破棄しない。
func (c *Client) FetchMedia(ctx context.Context, path string) (*Media, error) {
	cl := &call{
		method:    http.MethodGet,
		path:      path,
		requestID: uuid.NewString(),
		media:     true,
	}
	resp, err := c.execute(ctx, cl)
	if err != nil {
		return nil, err
	}
	return &Media{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}
