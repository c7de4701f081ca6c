package handlers

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsConn adapts a gorilla connection to the registry's Conn.  Writes are
// serialized; gorilla connections allow only one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) Send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Live is the viewer subscription endpoint.  The access token arrives as a
// query parameter, with an optional device filter; omitting the filter
// subscribes to every device.  An invalid token or malformed filter closes
// the socket with a policy-violation code and no reason, so the handshake
// leaks nothing about why authentication failed.
func (api *API) Live(c *gin.Context) {
	conn, err := api.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		return
	}

	closePolicy := func() {
		deadline := time.Now().Add(wsWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), deadline)
		_ = conn.Close()
	}

	if _, err := api.tokens.VerifyAccessToken(c.Query("access_token")); err != nil {
		closePolicy()
		return
	}

	deviceFilter := c.Query("device_id")
	if deviceFilter != "" {
		if _, err := uuid.Parse(deviceFilter); err != nil {
			closePolicy()
			return
		}
	}

	ws := &wsConn{conn: conn}
	api.registry.Connect(ws, deviceFilter)
	api.logger.Debugw("viewer connected", "device_filter", deviceFilter, "subscriptions", api.registry.Count())

	defer func() {
		api.registry.Disconnect(ws)
		_ = conn.Close()
		api.logger.Debugw("viewer disconnected", "device_filter", deviceFilter)
	}()

	// drain inbound frames; clients may send keep-alives, which we ignore
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
