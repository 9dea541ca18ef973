package network

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Socket is a non-blocking stream socket. Recv and Send never wait: when no
// progress is possible they return ErrWouldBlock.
type Socket interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

const (
	defaultRecvBuffer = 64 * 1024
	defaultSendBuffer = 64 * 1024
	readChunk         = 16 * 1024
	closeLinger       = 2 * time.Second
)

// connSocket adapts a blocking net.Conn into a Socket. A reader goroutine fills
// the receive buffer, a writer goroutine drains the send buffer; both buffers are
// bounded so a slow peer shows up as ErrWouldBlock instead of unbounded memory.
type connSocket struct {
	conn net.Conn

	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	inErr    error
	out      []byte
	inflight int
	outErr   error
	closing  bool

	recvBuffer int
	sendBuffer int

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewConnSocket starts the I/O goroutines for conn and returns it as a Socket.
func NewConnSocket(conn net.Conn) Socket {
	s := &connSocket{
		conn:       conn,
		recvBuffer: defaultRecvBuffer,
		sendBuffer: defaultSendBuffer,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *connSocket) readLoop() {
	buf := make([]byte, readChunk)
	for {
		s.mu.Lock()
		for len(s.in) >= s.recvBuffer && !s.closing {
			s.cond.Wait()
		}
		if s.closing {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		n, err := s.conn.Read(buf)

		s.mu.Lock()
		s.in = append(s.in, buf[:n]...)
		if err != nil {
			s.inErr = err
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *connSocket) writeLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		data := s.out
		closing := s.closing
		s.out = nil
		s.inflight = len(data)
		s.mu.Unlock()

		if len(data) > 0 {
			if closing {
				_ = s.conn.SetWriteDeadline(time.Now().Add(closeLinger))
			}
			_, err := s.conn.Write(data)
			s.mu.Lock()
			s.inflight = 0
			if err != nil && s.outErr == nil {
				s.outErr = err
			}
			failed := s.outErr != nil
			s.mu.Unlock()
			if failed {
				_ = s.conn.Close()
				return
			}
			continue
		}

		if closing {
			_ = s.conn.Close()
			return
		}
		<-s.wake
	}
}

func (s *connSocket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.in) > 0 {
		n := copy(p, s.in)
		rest := copy(s.in, s.in[n:])
		s.in = s.in[:rest]
		s.cond.Signal()
		return n, nil
	}
	if s.closing {
		return 0, ErrClosed
	}
	if s.inErr != nil {
		return 0, s.inErr
	}
	return 0, ErrWouldBlock
}

func (s *connSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outErr != nil {
		return 0, s.outErr
	}
	if s.closing {
		return 0, ErrClosed
	}
	room := s.sendBuffer - len(s.out) - s.inflight
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := min(room, len(p))
	s.out = append(s.out, p[:n]...)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Close stops reading and lets the writer flush what was already accepted,
// bounded by a linger deadline. It never blocks.
func (s *connSocket) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.cond.Broadcast()
		s.mu.Unlock()
		_ = s.conn.SetReadDeadline(time.Now())
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	return nil
}

func (s *connSocket) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *connSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Conn exposes the wrapped connection, e.g. to hand it to another handler.
func (s *connSocket) Conn() net.Conn { return s.conn }

// Datagram is one received UDP payload with its sender.
type Datagram struct {
	Data []byte
	From net.Addr
}

// PacketSocket is a non-blocking datagram socket.
type PacketSocket interface {
	RecvFrom() (Datagram, error)
	SendTo(p []byte, addr net.Addr) error
	Close() error
	LocalAddr() net.Addr
}

type packetSocket struct {
	conn   net.PacketConn
	queue  chan Datagram
	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

// NewPacketSocket starts a reader goroutine for conn and returns it as a PacketSocket.
// Datagrams arriving while the queue is full are dropped, as the OS would.
func NewPacketSocket(conn net.PacketConn, queueLen int) PacketSocket {
	s := &packetSocket{
		conn:   conn,
		queue:  make(chan Datagram, queueLen),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *packetSocket) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-s.closed:
					return
				default:
					continue
				}
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		d := Datagram{Data: append([]byte(nil), buf[:n]...), From: from}
		select {
		case s.queue <- d:
		default:
		}
	}
}

func (s *packetSocket) RecvFrom() (Datagram, error) {
	select {
	case d := <-s.queue:
		return d, nil
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Datagram{}, s.err
	}
	return Datagram{}, ErrWouldBlock
}

func (s *packetSocket) SendTo(p []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(p, addr)
	return err
}

func (s *packetSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *packetSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }
