package porygon

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// GorillaWSConnection is the websocket push transport, for deployments
// where an SSE stream cannot pass the fronting proxy.
type GorillaWSConnection struct {
	conn *websocket.Conn
}

func NewGorillaWSConnFactory(cfg *GorillaWsConfig) PushConnFactory {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}

	return func(w http.ResponseWriter, r *http.Request) (PushConnection, error) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		return &GorillaWSConnection{conn: conn}, nil
	}
}

func (c *GorillaWSConnection) Send(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive drains client input; acks arrive over HTTP, so the payload is
// only used to detect a closed socket.
func (c *GorillaWSConnection) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *GorillaWSConnection) Close() error {
	return c.conn.Close()
}
