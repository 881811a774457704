// Package config はclinicctlと開発用バックエンドの設定を読み込む。
//
// 設定はDefaultの値を起点に、YAMLファイル、環境変数の順で上書きされる。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 認証情報ストアの種類。
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config はアプリケーション全体の設定。
type Config struct {
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	DevBackend DevBackendConfig `yaml:"devbackend"`
}

// APIConfig は接続先バックエンドの設定。
type APIConfig struct {
	// URL はバックエンドのベースURL。
	URL string `yaml:"url"`
	// Timeout は1リクエストあたりのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
	// Locale は認証情報ストアにロケールが無い場合に使うロケール。
	Locale string `yaml:"locale"`
	// DedupWindow は同一メッセージの通知を抑制する期間。
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// StoreConfig は認証情報ストアの設定。
type StoreConfig struct {
	// Driver は memory / sqlite / redis のいずれか。
	Driver string `yaml:"driver"`
	// Path はSQLiteのファイルパス。
	Path string `yaml:"path"`
	// Prefix はRedisのキー接頭辞。
	Prefix string `yaml:"prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DevBackendConfig は開発用バックエンドの設定。
type DevBackendConfig struct {
	Addr           string        `yaml:"addr"`
	DBPath         string        `yaml:"db_path"`
	JWTSecret      string        `yaml:"jwt_secret"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SecureCookie   bool          `yaml:"secure_cookie"`
	Seed           bool          `yaml:"seed"`
}

// Default はデフォルト設定を返す。
func Default() Config {
	return Config{
		API: APIConfig{
			URL:         "http://localhost:8080",
			Timeout:     30 * time.Second,
			Locale:      "en",
			DedupWindow: 1500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   defaultStorePath(),
			Prefix: "vetclinic:",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
		DevBackend: DevBackendConfig{
			Addr:           ":8080",
			DBPath:         "devbackend.db",
			JWTSecret:      "dev-secret-change-me",
			AccessTTL:      5 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			AllowedOrigins: []string{"http://localhost:3000"},
			Seed:           true,
		},
	}
}

// defaultStorePath はユーザー設定ディレクトリ配下のSQLiteファイルパスを返す。
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "vetclinic.db"
	}
	return filepath.Join(dir, "vetclinic", "credentials.db")
}

// Load はDefaultにpathのYAMLと環境変数を重ねた設定を返す。
// pathが空、またはファイルが存在しない場合はYAMLを読まない。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("設定ファイルのパースに失敗: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("VETCLINIC_API_URL"); v != "" {
		cfg.API.URL = v
	}
	if err := overrideDuration("VETCLINIC_TIMEOUT", &cfg.API.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("VETCLINIC_LOCALE"); v != "" {
		cfg.API.Locale = v
	}
	if err := overrideDuration("VETCLINIC_DEDUP_WINDOW", &cfg.API.DedupWindow); err != nil {
		return err
	}

	if v := os.Getenv("VETCLINIC_STORE"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("VETCLINIC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("VETCLINIC_STORE_PREFIX"); v != "" {
		cfg.Store.Prefix = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if err := overrideInt("REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("DEVBACKEND_ADDR"); v != "" {
		cfg.DevBackend.Addr = v
	}
	if v := os.Getenv("DEVBACKEND_DB_PATH"); v != "" {
		cfg.DevBackend.DBPath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.DevBackend.JWTSecret = v
	}
	if err := overrideDuration("JWT_ACCESS_TTL", &cfg.DevBackend.AccessTTL); err != nil {
		return err
	}
	if err := overrideDuration("REFRESH_TTL", &cfg.DevBackend.RefreshTTL); err != nil {
		return err
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.DevBackend.AllowedOrigins = splitList(v)
	}
	if err := overrideBool("DEVBACKEND_SECURE_COOKIE", &cfg.DevBackend.SecureCookie); err != nil {
		return err
	}
	if err := overrideBool("DEVBACKEND_SEED", &cfg.DevBackend.Seed); err != nil {
		return err
	}
	return nil
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.urlが不正です: %q", c.API.URL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeoutは正の値である必要があります: %s", c.API.Timeout)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.driverがsqliteの場合はstore.pathが必要です")
		}
	default:
		return fmt.Errorf("store.driverが不正です: %q", c.Store.Driver)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func overrideDuration(key string, target *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%sのパースに失敗: %w", key, err)
	}
	*target = d
	return nil
}

func overrideInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%sのパースに失敗: %w", key, err)
	}
	*target = n
	return nil
}

func overrideBool(key string, target *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%sのパースに失敗: %w", key, err)
	}
	*target = b
	return nil
}
