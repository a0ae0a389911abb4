package nestmq

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

func wsControlDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}

// wsFrame is the wire envelope: the packet type plus the
// msgpack-encoded packet body.
type wsFrame struct {
	Type PacketType         `msgpack:"t"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// WSConn carries packets over a websocket connection, one binary
// message per packet, msgpack encoded.
type WSConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// ReadPacket reads and decodes the next packet.
func (c *WSConn) ReadPacket() (Packet, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var frame wsFrame
		if err := msgpack.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return decodePacket(frame.Type, frame.Body)
	}
}

// WritePacket encodes and writes one packet.
func (c *WSConn) WritePacket(pkt Packet) error {
	body, err := msgpack.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", pkt.Type(), err)
	}
	data, err := msgpack.Marshal(&wsFrame{Type: pkt.Type(), Body: body})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying websocket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), wsControlDeadline())
		err = c.ws.Close()
	})
	return err
}

func decodePacket(t PacketType, body []byte) (Packet, error) {
	var pkt Packet
	switch t {
	case PacketCONNECT:
		pkt = &ConnectPacket{}
	case PacketCONNACK:
		pkt = &ConnackPacket{}
	case PacketPUBLISH:
		pkt = &PublishPacket{}
	case PacketPUBACK:
		pkt = &PubackPacket{}
	case PacketPUBREC:
		pkt = &PubrecPacket{}
	case PacketPUBREL:
		pkt = &PubrelPacket{}
	case PacketPUBCOMP:
		pkt = &PubcompPacket{}
	case PacketSUBSCRIBE:
		pkt = &SubscribePacket{}
	case PacketSUBACK:
		pkt = &SubackPacket{}
	case PacketUNSUBSCRIBE:
		pkt = &UnsubscribePacket{}
	case PacketUNSUBACK:
		pkt = &UnsubackPacket{}
	case PacketPINGREQ:
		pkt = &PingreqPacket{}
	case PacketPINGRESP:
		pkt = &PingrespPacket{}
	case PacketDISCONNECT:
		pkt = &DisconnectPacket{}
	default:
		return nil, fmt.Errorf("unknown packet type %d", t)
	}
	if err := msgpack.Unmarshal(body, pkt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return pkt, nil
}

// WSHandler upgrades HTTP requests to websocket connections and runs
// each through the broker.
type WSHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
}

// NewWSHandler creates an http.Handler serving broker connections.
func NewWSHandler(b *Broker) *WSHandler {
	return &WSHandler{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The engine sits behind the deployment's own origin
			// policy; the transport does not second-guess it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = h.broker.ServeConn(NewWSConn(ws))
}

// DialWS connects to a broker's websocket endpoint. Used by tests and
// tooling; production clients bring their own transport.
func DialWS(url string) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(ws), nil
}
