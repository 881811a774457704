// Package middleware は開発用バックエンドのGinベースHTTP APIで使用する共通ミドルウェアを提供する。
//
// アクセストークン（JWT）の発行と検証、リクエストIDの引き継ぎとアクセスログ、
// パニックリカバリ、CORS設定、Prometheusメトリクスを含む。
// エラー応答はバックエンド共通形式 {"isSuccess": false, "errors": [...]} で返す。
package middleware
