package output

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/logging"
)

// Sink is where an output writes its byte stream.
type Sink interface {
	// Start announces the stream header. It is called once, before the first Write.
	Start(header StreamHeader) error
	Write(p []byte) (int, error)
	Close() error
}

// streamSink writes the header followed by the data to a single byte stream, such as a file or
// a connected socket.
type streamSink struct {
	w io.WriteCloser
}

// NewStreamSink returns a sink writing to w.
func NewStreamSink(w io.WriteCloser) Sink {
	return &streamSink{w: w}
}

func (s *streamSink) Start(header StreamHeader) error {
	_, err := s.w.Write(header.AppendBinary(make([]byte, 0, StreamHeaderSize)))
	return err
}

func (s *streamSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *streamSink) Close() error {
	return s.w.Close()
}

// datagramSink splits the stream into datagrams no larger than MaxUDPDatagramSize. Each datagram
// starts with the stream header carrying an incrementing sequence number, so receivers can detect
// loss. The payloads are cut at fixed byte offsets, not at packet boundaries: a receiver must
// start from sequence 0 and drop the stream after a gap in the sequence numbers.
type datagramSink struct {
	conn    net.Conn
	header  StreamHeader
	started bool
	buf     []byte
}

// NewDatagramSink returns a sink sending datagrams over conn.
func NewDatagramSink(conn net.Conn) Sink {
	return &datagramSink{conn: conn, buf: make([]byte, 0, MaxUDPDatagramSize)}
}

func (s *datagramSink) Start(header StreamHeader) error {
	s.header = header
	s.started = true
	return nil
}

func (s *datagramSink) Write(p []byte) (int, error) {
	if !s.started {
		return 0, errors.New("datagram stream not started")
	}
	const chunkSize = MaxUDPDatagramSize - StreamHeaderSize
	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), chunkSize)]
		s.buf = s.header.AppendBinary(s.buf[:0])
		s.buf = append(s.buf, chunk...)
		if _, err := s.conn.Write(s.buf); err != nil {
			return written, err
		}
		s.header.Sequence++
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *datagramSink) Close() error {
	return s.conn.Close()
}

// fanoutSink copies the stream to every connected client. A client failing a write, or not
// taking it within writeTimeout, is closed and dropped; the others keep receiving. Clients joining
// late get the header first.
type fanoutSink struct {
	logger       logging.Logger
	maxClients   int
	writeTimeout time.Duration

	mu      sync.Mutex
	header  []byte
	clients []net.Conn
	closed  bool
}

func newFanoutSink(maxClients int, writeTimeout time.Duration, logger logging.Logger) *fanoutSink {
	return &fanoutSink{maxClients: maxClients, writeTimeout: writeTimeout, logger: logger}
}

// send writes p to one client. A stalled client times out instead of blocking the writer.
func (s *fanoutSink) send(conn net.Conn, p []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(p)
	return err
}

// add registers a new client. It returns false, and closes conn, when the sink is full or closed.
func (s *fanoutSink) add(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.clients) >= s.maxClients {
		s.logger.Warnw("rejecting client", "remote", conn.RemoteAddr(), "clients", len(s.clients))
		//nolint:errcheck
		conn.Close()
		return false
	}
	if s.header != nil {
		if err := s.send(conn, s.header); err != nil {
			s.logger.Warnw("failed to send stream header, dropping client", "remote", conn.RemoteAddr(), "error", err)
			//nolint:errcheck
			conn.Close()
			return false
		}
	}
	s.clients = append(s.clients, conn)
	s.logger.Infow("client connected", "remote", conn.RemoteAddr(), "clients", len(s.clients))
	return true
}

func (s *fanoutSink) Start(header StreamHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = header.AppendBinary(nil)
	s.writeLocked(s.header)
	return nil
}

func (s *fanoutSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(p)
	return len(p), nil
}

func (s *fanoutSink) writeLocked(p []byte) {
	kept := s.clients[:0]
	for _, conn := range s.clients {
		if err := s.send(conn, p); err != nil {
			msg := "write failed, dropping client"
			if errors.Is(err, os.ErrDeadlineExceeded) {
				msg = "client not reading, dropping it"
			}
			s.logger.Warnw(msg, "remote", conn.RemoteAddr(), "error", err)
			//nolint:errcheck
			conn.Close()
			continue
		}
		kept = append(kept, conn)
	}
	clear(s.clients[len(kept):])
	s.clients = kept
}

// numClients returns the number of connected clients.
func (s *fanoutSink) numClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *fanoutSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var err error
	for _, conn := range s.clients {
		err = multierr.Combine(err, conn.Close())
	}
	s.clients = nil
	return err
}
