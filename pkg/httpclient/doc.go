// Package httpclient は外部サービスへのHTTP通信を行うクライアントを提供する。
//
// 監査イベントをEvent Storeへ送信する際に使用する。
// 5xxと通信エラーは設定した回数までリトライし、4xxは即座にエラーとして返す。
package httpclient
