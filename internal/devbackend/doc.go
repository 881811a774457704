// Package devbackend はクリニック管理バックエンドREST APIの開発用実装を提供する。
//
// apiclientとclinicctlの結合テストおよびローカル開発のための代替バックエンドであり、
// 以下の振る舞いを再現する。
//
//   - POST /auth/login: アクセストークン（短命のJWT）を返し、リフレッシュトークンをHTTP-onlyクッキーに設定する
//   - POST /auth/refresh: クッキーのリフレッシュトークンから新しいアクセストークンを発行する
//   - POST /auth/logout: リフレッシュトークンを失効させる
//   - GET/POST /api/...: X-Clinic-Id と X-Organization-Id によるテナントの絞り込み
//   - GET /api/media/:name: 認証付きのバイナリ（PNG）配信
//
// データはSQLiteに保存し、スキーマはpkg/migrationで管理する。
package devbackend
