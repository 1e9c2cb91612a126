package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"depositbox/protocol"
)

// DefaultDialTimeout bounds connection setup to the server or the proxy.
const DefaultDialTimeout = 15 * time.Second

// DialOptions selects how the client reaches the server.
type DialOptions struct {
	// Proxy is a SOCKS5 proxy address. Empty dials the server directly.
	Proxy   string
	Timeout time.Duration
}

// Dial connects to the server, optionally through a SOCKS5 proxy such as a local Tor daemon.
func Dial(ctx context.Context, address string, options DialOptions) (net.Conn, error) {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	direct := &net.Dialer{Timeout: timeout}

	if options.Proxy == "" {
		conn, err := direct.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", address, err)
		}
		return conn, nil
	}

	dialer, err := proxy.SOCKS5("tcp", options.Proxy, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("configure socks5 proxy %q: %w", options.Proxy, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 proxy %q does not support context dialing", options.Proxy)
	}
	conn, err := contextDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q via %q: %w", address, options.Proxy, err)
	}
	return conn, nil
}

// Listen reads replies until the stream ends and applies them to the session.
// Reading stops the session when the connection fails while the user is still working.
func Listen(session *Session, r io.Reader, out io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if session.Working() {
				session.Stop()
				errorColor.Fprintf(out, "SERVER ERROR: %v\n", err)
				return err
			}
			return nil
		}

		cmd, ok := protocol.Decode(line)
		if !ok {
			errorColor.Fprintf(out, "Invalid response received: %s\n", line)
			continue
		}
		session.HandleReply(cmd, reader)
	}
}

// Run drives the interactive session over conn until the user exits, input ends or
// the server goes away. conn is closed on return.
func Run(ctx context.Context, conn net.Conn, console *Console, out io.Writer, options SessionOptions) error {
	session := NewSession(conn, out, options)

	listenDone := make(chan error, 1)
	go func() {
		listenDone <- Listen(session, conn, out)
	}()

	stop := context.AfterFunc(ctx, func() {
		session.Stop()
		_ = conn.Close()
	})
	defer stop()

	var runErr error
	for session.Working() {
		session.PrintPrompt()
		input, err := console.ReadLine(session.ExpectsSecret())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				runErr = err
			}
			session.Stop()
			break
		}
		if !session.Working() {
			break
		}
		if err := session.HandleInput(input); err != nil {
			errorColor.Fprintf(out, "Error while performing action: %v\n", err)
		}
	}

	_ = conn.Close()
	if err := <-listenDone; err != nil && runErr == nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		runErr = err
	}
	return runErr
}
