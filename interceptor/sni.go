package interceptor

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// PeekClientHello reads the TLS ClientHello off conn without consuming
// it: the returned connection replays the inspected bytes before
// continuing from the wire, so a real handshake can still follow.
func PeekClientHello(conn net.Conn) (string, net.Conn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	peeked := new(bytes.Buffer)
	sni, err := sniffSNI(io.TeeReader(conn, peeked))
	if err != nil {
		return "", nil, err
	}
	return sni, &replayConn{Conn: conn, pre: peeked}, nil
}

// sniffSNI runs a throwaway handshake over a read-only view of the
// stream. GetConfigForClient fires as soon as the ClientHello is
// parsed; the handshake then dies on the unwritable conn, which is
// exactly when we stop reading.
func sniffSNI(r io.Reader) (string, error) {
	var sni string
	_ = tls.Server(readOnlyConn{r: r}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			return nil, nil
		},
	}).Handshake()
	if sni == "" {
		return "", errors.New("no SNI in ClientHello")
	}
	return sni, nil
}

// replayConn serves buffered bytes first, then reads from the wire.
type replayConn struct {
	net.Conn
	pre *bytes.Buffer
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.pre.Len() > 0 {
		return c.pre.Read(p)
	}
	return c.Conn.Read(p)
}

// readOnlyConn satisfies net.Conn over a bare reader; writes fail so
// the sniffing handshake aborts after the ClientHello.
type readOnlyConn struct {
	r io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error)         { return c.r.Read(p) }
func (c readOnlyConn) Write(p []byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                       { return nil }
func (c readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c readOnlyConn) SetDeadline(t time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }
