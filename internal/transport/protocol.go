package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// TextProtocol is a minimal line-based handshake: the publisher sends
// "PUBLISH <path>" terminated by a newline and then streams data. It stands
// in for full media handshakes behind relays that terminate RTMP or SRT
// upstream, and keeps local testing dependency-free.
type TextProtocol struct {
	// HandshakeTimeout bounds the wait for the publish line, 10s when
	// zero.
	HandshakeTimeout time.Duration
}

func (TextProtocol) Scheme() string { return "tcp" }

func (p TextProtocol) Handshake(conn net.Conn) (string, error) {
	timeout := p.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReaderSize(conn, 1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read publish line: %w", err)
	}
	verb, path, found := strings.Cut(strings.TrimSpace(line), " ")
	if !found || verb != "PUBLISH" || !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("malformed publish line")
	}
	return path, nil
}
