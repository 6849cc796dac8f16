package gateway

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Router returns the client-facing HTTP surface: the websocket endpoint
// at /ws.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", g.serveWebsocket)
	return r
}

func (g *Gateway) serveWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Msgf("gateway.serveWebsocket upgrade remote=%q err=%v", c.Request.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageSize)
	transport := &wsTransport{conn: conn, writeTimeout: g.cfg.WriteTimeout}

	s, err := g.Connect(transport, c.Request.RemoteAddr)
	if err != nil {
		log.Warn().Msgf("gateway.serveWebsocket refused remote=%q err=%v", c.Request.RemoteAddr, err)
		code := DisconnectChannelsExhausted
		if errors.Is(err, ErrGatewayClosed) {
			code = DisconnectShuttingDown
		}
		dg := newClientDatagram(ClientGoGetLost)
		dg.AddUint16(code)
		dg.AddString(err.Error())
		_ = transport.WriteMessage(dg.Bytes())
		_ = transport.Close()
		return
	}

	for {
		if g.cfg.HeartbeatTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HeartbeatTimeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				g.Eject(s, DisconnectHeartbeatTimeout, "no heartbeat")
			} else {
				g.Disconnect(s, "connection closed")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			observability.RecordGatewayMessage("text", "ignored")
			continue
		}
		g.HandleClient(s, data)
	}
}
