// Package notification は通知配信エンジンの中核を提供する。
//
// Dispatcher は通知を永続化してから宛先を解決し、ライブセッションへプッシュする。
// Tracker は受信者ごとの既読状態・論理削除・統計を Store 経由で管理する。
// 永続化は必ずプッシュより先に行うため、プッシュを受け取ったクライアントは
// 後からIDで正規の通知レコードを取得できる。
//
// ライブセッションへのプッシュはベストエフォートであり、失敗はログに記録して
// 呼び出し元には返さない。永続化の失敗は ErrStoreUnavailable として返す。
package notification
