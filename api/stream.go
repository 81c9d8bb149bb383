package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"fileconv/progress"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	sinkBuffer   = 64
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type connectedMessage struct {
	Event    string `json:"event"`
	ClientID string `json:"clientId"`
}

// pingMessage is the keep-alive frame. It carries no job data.
type pingMessage struct {
	Event string `json:"event"`
}

var ping = pingMessage{Event: string(progress.EventPing)}

func (h *Handler) pingInterval() time.Duration {
	if h.cfg.PingInterval > 0 {
		return h.cfg.PingInterval
	}
	return 30 * time.Second
}

// handleEvents streams job events to the client as Server-Sent Events until it
// disconnects.
func (h *Handler) handleEvents(c *gin.Context) {
	sink := progress.NewSink(sinkBuffer)
	sub := h.broadcaster.Subscribe(sink)
	defer h.broadcaster.Unsubscribe(sub)

	log := h.logger.With("client_id", sink.ID, "transport", "sse")
	log.Debug("stream client connected", "clients", h.broadcaster.Len())
	defer func() {
		log.Debug("stream client disconnected", "dropped", sink.Dropped())
	}()

	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	var seq uint64
	emit := func(name string, data any) {
		seq++
		c.Render(-1, sse.Event{Id: strconv.FormatUint(seq, 10), Event: name, Data: data})
	}
	emit("connected", connectedMessage{Event: "connected", ClientID: sink.ID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-sink.Events():
			emit(string(e.Type), e)
		case <-ticker.C:
			emit(ping.Event, ping)
		}
		return true
	})
}

// handleWebSocket streams the same events as handleEvents over a WebSocket.
func (h *Handler) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	sink := progress.NewSink(sinkBuffer)
	sub := h.broadcaster.Subscribe(sink)
	defer h.broadcaster.Unsubscribe(sub)

	log := h.logger.With("client_id", sink.ID, "transport", "websocket")
	log.Debug("stream client connected", "clients", h.broadcaster.Len())

	// Inbound messages are ignored; reading only detects disconnection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(connectedMessage{Event: "connected", ClientID: sink.ID}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-closed:
			log.Debug("stream client disconnected", "dropped", sink.Dropped())
			return
		case e := <-sink.Events():
			err = write(e)
		case <-ticker.C:
			err = write(ping)
		}
		if err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}
