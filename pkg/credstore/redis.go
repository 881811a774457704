package credstore

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNoRedisClient はRedisクライアントが設定されていない場合のエラー。
var ErrNoRedisClient = errors.New("Redisクライアントが設定されていません")

// Redis はRedisに保存するBackend。複数端末でセッションを共有する場合に使用する。
type Redis struct {
	client *goredis.Client
	prefix string
}

// NewRedis はRedisクライアントを包むBackendを生成する。
// prefixはユーザーや端末ごとのキー空間を分けるために使う（例: "vetclinic:alice:"）。
func NewRedis(client *goredis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k Key) string {
	return r.prefix + string(k)
}

// Get はキーに対応する値を返す。
func (r *Redis) Get(ctx context.Context, key Key) (string, bool, error) {
	if r.client == nil {
		return "", false, ErrNoRedisClient
	}
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("認証情報 %s の読み込みに失敗: %w", key, err)
	}
	return v, true, nil
}

// Set はキーに値を保存する。有効期限は設定しない。
func (r *Redis) Set(ctx context.Context, key Key, value string) error {
	if r.client == nil {
		return ErrNoRedisClient
	}
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("認証情報 %s の保存に失敗: %w", key, err)
	}
	return nil
}

// Delete は指定したキーを削除する。
func (r *Redis) Delete(ctx context.Context, keys ...Key) error {
	if r.client == nil {
		return ErrNoRedisClient
	}
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, r.key(k))
	}
	if err := r.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("認証情報の削除に失敗: %w", err)
	}
	return nil
}
