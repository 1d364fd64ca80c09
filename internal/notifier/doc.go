// Package notifier はリアルタイム通知サービスのHTTP APIを提供する。
//
// ホストUIはこのAPIでセッションを開始し、表示中の会話・フォーカス状態を
// 報告し、会話一覧・未読数・トースト履歴を取得する。新しいトーストは
// /api/v1/stream のWebSocketで配信される。ディスパッチャーが発行した
// トーストは toasts テーブルに保存される。
package notifier
