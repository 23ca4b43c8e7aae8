package downloader

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// NewTorClient returns an HTTP client that dials through the SOCKS5 proxy at
// socksAddr. Host names are resolved by the proxy.
func NewTorClient(socksAddr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         cd.DialContext,
			TLSHandshakeTimeout: timeout,
			DisableKeepAlives:   true,
		},
	}, nil
}

// TorController sends NEWNYM through the Tor control port.
type TorController struct {
	Addr     string
	Password string
}

// Rotate authenticates and signals NEWNYM, which makes Tor use fresh
// circuits for new connections.
func (c *TorController) Rotate(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	tp := textproto.NewConn(conn)
	if err := command(tp, "AUTHENTICATE "+strconv.Quote(c.Password)); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := command(tp, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("signal newnym: %w", err)
	}
	return command(tp, "QUIT")
}

// command sends one control-port line and expects a 250 reply.
func command(tp *textproto.Conn, line string) error {
	if err := tp.PrintfLine("%s", line); err != nil {
		return err
	}
	_, _, err := tp.ReadResponse(250)
	return err
}
