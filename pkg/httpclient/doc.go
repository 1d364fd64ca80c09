// Package httpclient は外部サービスとのHTTP通信を行うJSONクライアントを提供する。
//
// バックエンドの会話一覧API・トークン更新API、デスクトップ通知エージェントの
// 呼び出しに使用する。アクセストークンはコンテキスト経由で伝播し、
// 401応答は ErrUnauthorized として判定できる。
package httpclient
