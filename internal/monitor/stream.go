package monitor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	logx "autoelect/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is gated by the bearer token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// events streams bus events as JSON text frames. ?types=a,b filters by event type.
func (s *Service) events(ctx context.Context, c *gin.Context) {
	if s.src.Bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream unavailable"})
		return
	}
	want := map[string]bool{}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.src.Bus.Subscribe(128)
	defer unsub()

	// The read side only handles control frames and notices the peer leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read error", logx.Err(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
