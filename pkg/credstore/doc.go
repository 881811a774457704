// Package credstore はダッシュボードの認証情報とテナント選択状態を永続化するストアを提供する。
//
// ベアラートークン、組織ID、選択中のクリニック、選択中の倉庫、UIロケールを
// キーバリュー形式で保持する。保存先はBackendインターフェースで抽象化されており、
// メモリ・SQLite・Redisの実装を同梱する。
//
// 書き込みはログイン/リフレッシュ成功時、読み込みは送信リクエストごと、
// 消去はログアウトまたは回復不能な認証エラー時に行われる。
package credstore
