package nestmq

import (
	"errors"
	"sync"
)

// ErrConnClosed is returned by reads and writes on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// PacketConn carries typed control packets between a client and the
// broker. Framing and byte-level encoding live behind this interface;
// the engine only ever sees decoded packets.
//
// ReadPacket blocks until a packet arrives or the connection closes.
// WritePacket must be safe for concurrent use.
type PacketConn interface {
	ReadPacket() (Packet, error)
	WritePacket(Packet) error
	Close() error
}

// Listener accepts inbound packet connections for the broker.
type Listener interface {
	Accept() (PacketConn, error)
	Close() error
}

type pipeState struct {
	done chan struct{}
	once sync.Once
}

// PipeConn is one end of an in-memory packet pipe. Packets written on
// one end are read from the other, in order. Closing either end
// terminates both.
type PipeConn struct {
	recv  <-chan Packet
	send  chan<- Packet
	state *pipeState
}

// NewPipe creates a connected pair of in-memory packet connections.
// Both ends share a small buffer so tests can write a handful of
// packets without a concurrent reader.
func NewPipe() (*PipeConn, *PipeConn) {
	ab := make(chan Packet, 64)
	ba := make(chan Packet, 64)
	state := &pipeState{done: make(chan struct{})}

	a := &PipeConn{recv: ba, send: ab, state: state}
	b := &PipeConn{recv: ab, send: ba, state: state}
	return a, b
}

// ReadPacket returns the next packet written on the peer end.
func (p *PipeConn) ReadPacket() (Packet, error) {
	select {
	case pkt := <-p.recv:
		return pkt, nil
	case <-p.state.done:
		// Drain packets already buffered before the close.
		select {
		case pkt := <-p.recv:
			return pkt, nil
		default:
			return nil, ErrConnClosed
		}
	}
}

// WritePacket sends a packet to the peer end.
func (p *PipeConn) WritePacket(pkt Packet) error {
	select {
	case <-p.state.done:
		return ErrConnClosed
	default:
	}

	select {
	case p.send <- pkt:
		return nil
	case <-p.state.done:
		return ErrConnClosed
	}
}

// Close terminates both ends of the pipe.
func (p *PipeConn) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
	})
	return nil
}
