package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"depositbox/storage"
)

const acceptRetryDelay = 100 * time.Millisecond

// Credentials authorizes commands and registers new users.
type Credentials interface {
	IsValid(username, password string) bool
	Register(username, password string) error
}

// Files stores and retrieves user files.
type Files interface {
	SaveFile(username, filename string, length int64, src io.Reader) error
	LoadFile(username, filename string) ([]byte, error)
}

// EventRecorder receives audit events. Failures are logged and never affect replies.
type EventRecorder interface {
	LogEvent(event storage.Event) error
}

// Options wires the shared collaborators every session uses.
type Options struct {
	Credentials Credentials
	Files       Files
	Events      EventRecorder
}

func (o Options) validate() error {
	if o.Credentials == nil {
		return errors.New("server: credentials store is required")
	}
	if o.Files == nil {
		return errors.New("server: file vault is required")
	}
	return nil
}

// Server accepts connections and runs one session goroutine per connection.
type Server struct {
	listener net.Listener
	options  Options

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener on address and serves it.
func Listen(address string, options Options) (*Server, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return Serve(listener, options)
}

// Serve runs the accept loop on an already bound listener. Any listener whose Accept
// yields a duplex byte stream works, including ones provided by an anonymity network.
func Serve(listener net.Listener, options Options) (*Server, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	server := &Server{
		listener: listener,
		options:  options,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes open sessions and waits for their goroutines.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Printf("server: accept connection: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	sess := newSession(conn, conn.RemoteAddr(), s.options)
	sess.run()
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}
