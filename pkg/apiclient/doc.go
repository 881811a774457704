// Package apiclient はクリニック管理ダッシュボードのバックエンドREST APIを呼び出す認証付きHTTPクライアントを提供する。
//
// 送信前にベアラートークン、ロケール、クリニック・組織・倉庫のスコープヘッダーを付与する。
// 401 Unauthorizedを受け取った場合は、リフレッシュエンドポイントでトークンを1回だけ更新し、
// 元のリクエストを新しいトークンで再送する。同時に複数のリクエストが401になっても
// リフレッシュは常に1本だけ実行され、待機中のリクエストは到着順に再送または拒否される。
//
// 失敗はすべて*Errorに正規化され、ユーザー向け通知は重複抑制されたうえで1回だけ送出される。
package apiclient
