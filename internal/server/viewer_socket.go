package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/viewer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketPingInterval   = 30 * time.Second
	socketPongWait       = 60 * time.Second
	socketWriteWait      = 10 * time.Second
	socketMaxMessageSize = 65536
	socketCommandBuffer  = 16
	disconnectTimeout    = 5 * time.Second
)

// socketMessage is the envelope for both directions of the viewer socket.
type socketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type chatCommandData struct {
	User string `json:"user"`
	Text string `json:"text"`
}

func (h *httpHandler) handleViewerSocket(c *gin.Context) {
	ticket := strings.TrimSpace(c.Query("ticket"))
	if ticket == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_ticket"})
		return
	}
	session, err := viewer.NewSession(viewer.SessionConfig{
		Store:      h.store,
		Show:       h.showService,
		Ticket:     ticket,
		SessionID:  c.Query("session"),
		Policy:     h.viewerPolicy,
		Scope:      h.presenceScope,
		LocalClock: h.clock,
		Logger:     h.logger,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	logger := h.logger.With(
		zap.String("session_id", session.SessionID()),
		zap.String("connection_id", session.ConnectionID()),
	)
	h.connections.register(ticket)
	defer h.connections.unregister(ticket)
	logger.Info("viewer connected",
		zap.Int("ticket_connections", h.connections.ForTicket(ticket)),
		zap.Int("total_connections", h.connections.Total()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	commands := make(chan viewer.Command, socketCommandBuffer)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		readPump(ctx, conn, commands, logger)
	}()
	writerDone := make(chan struct{})
	go func() {
		defer pumps.Done()
		defer close(writerDone)
		writePump(conn, session.Updates(), cancel, logger)
	}()

	runErr := session.Run(ctx, commands)
	if runErr != nil {
		logger.Warn("viewer session ended with error", zap.Error(runErr))
	}
	cancel()
	<-writerDone
	_ = conn.Close()
	pumps.Wait()

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.WithoutCancel(c.Request.Context()), disconnectTimeout)
	defer cancelDisconnect()
	if err := h.store.Disconnect(disconnectCtx, session.ConnectionID()); err != nil {
		logger.Warn("disconnect cleanup failed", zap.Error(err))
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, commands chan<- viewer.Command, logger *zap.Logger) {
	defer close(commands)

	conn.SetReadLimit(socketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		var message socketMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("viewer socket read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))

		command := viewer.Command{Kind: viewer.CommandKind(message.Event)}
		if command.Kind == viewer.CommandChat && len(message.Data) > 0 {
			var data chatCommandData
			if err := json.Unmarshal(message.Data, &data); err != nil {
				logger.Debug("malformed chat command", zap.Error(err))
			}
			command.User = data.User
			command.Text = data.Text
		}
		select {
		case commands <- command:
		case <-ctx.Done():
			return
		}
	}
}

// writePump forwards updates until the session closes the channel. After a
// write failure the remaining updates are drained so the session never
// blocks on a dead socket.
func writePump(conn *websocket.Conn, updates <-chan viewer.Update, cancel context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	failed := false
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				if !failed {
					_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if failed {
				continue
			}
			message, err := encodeUpdate(update)
			if err != nil {
				logger.Error("update encoding failed", zap.String("event", string(update.Kind)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteJSON(message); err != nil {
				logger.Debug("viewer socket write failed", zap.Error(err))
				failed = true
				cancel()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
				cancel()
			}
		}
	}
}

func encodeUpdate(update viewer.Update) (socketMessage, error) {
	message := socketMessage{Event: string(update.Kind)}
	if update.Data == nil {
		return message, nil
	}
	data, err := json.Marshal(update.Data)
	if err != nil {
		return socketMessage{}, err
	}
	message.Data = data
	return message, nil
}
