// Package middleware は通知サービスのHTTP APIで使用するGinミドルウェアを提供する。
//
// バックエンドが発行したJWTアクセストークンの検証、リクエストログ、
// パニックリカバリ、フロントエンド向けのCORS設定を含む。
package middleware
