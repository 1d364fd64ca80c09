package notifier

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nao1215/matreq/internal/dispatch"
)

const (
	// streamWriteWait は1フレームの書き込み期限。
	streamWriteWait = 10 * time.Second
	// streamPingInterval は接続維持のPing間隔。
	streamPingInterval = 30 * time.Second
)

// streamEventToast はストリームで配信するトーストのイベント名。
const streamEventToast = "toast"

// streamFrame はストリームで配信する1フレーム。
type streamFrame struct {
	// Event はイベント名。
	Event string `json:"event"`
	// Data はトースト。
	Data dispatch.Toast `json:"data"`
}

// originChecker は許可オリジンに基づく WebSocket の CheckOrigin を返す。
// Origin ヘッダーの無い接続（ブラウザ以外）は許可する。
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// handleStream はセッションのトーストをWebSocketで配信するハンドラ。
// クライアントからのメッセージは読み捨て、切断の検知にのみ使う。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade がエラー応答を書き込み済み
			s.logger.Warn("ストリームのアップグレードに失敗", "user_id", sess.ProfileID(), "error", err)
			return
		}
		defer conn.Close()

		toasts, unsubscribe := sess.Subscribe()
		defer unsubscribe()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		s.logger.Debug("ストリームを開始", "user_id", sess.ProfileID())
		for {
			select {
			case t, ok := <-toasts:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if !ok {
					// セッションが終了した
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := conn.WriteJSON(streamFrame{Event: streamEventToast, Data: t}); err != nil {
					s.logger.Debug("ストリームへの書き込みに失敗", "user_id", sess.ProfileID(), "error", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
