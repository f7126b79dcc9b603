// Package panhttp builds the outbound http.Clients used to talk to the
// upstream: dial and idle-read timeouts, keep-alive pooling, a forced
// User-Agent and an optional transactions-per-second limiter.
package panhttp

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/woclouds/wopan/pan"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

var (
	tpsBucket    *rate.Limiter // for limiting number of http transactions per second
	tpsOnce      sync.Once
	cookieJar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
)

// startTPSBucket starts the token bucket if necessary
func startTPSBucket(ci *pan.ConfigInfo) {
	tpsOnce.Do(func() {
		if ci.TPSLimit > 0 {
			tpsBurst := ci.TPSLimitBurst
			if tpsBurst < 1 {
				tpsBurst = 1
			}
			tpsBucket = rate.NewLimiter(rate.Limit(ci.TPSLimit), tpsBurst)
			pan.Infof(nil, "Starting HTTP transaction limiter: max %g transactions/s with burst %d", ci.TPSLimit, tpsBurst)
		}
	})
}

// A net.Conn that sets a deadline for every Read or Write operation
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

// create a timeoutConn using the timeout
func newTimeoutConn(conn net.Conn, timeout time.Duration) (c *timeoutConn, err error) {
	c = &timeoutConn{
		Conn:    conn,
		timeout: timeout,
	}
	err = c.nudgeDeadline()
	return
}

// Nudge the deadline for an idle timeout on by c.timeout if non-zero
func (c *timeoutConn) nudgeDeadline() (err error) {
	if c.timeout == 0 {
		return nil
	}
	when := time.Now().Add(c.timeout)
	return c.Conn.SetDeadline(when)
}

// readOrWrite bytes doing idle timeouts
func (c *timeoutConn) readOrWrite(f func([]byte) (int, error), b []byte) (n int, err error) {
	n, err = f(b)
	// Don't nudge if no bytes or an error
	if n == 0 || err != nil {
		return
	}
	// Nudge the deadline on successful Read or Write
	err = c.nudgeDeadline()
	return
}

// Read bytes doing idle timeouts
func (c *timeoutConn) Read(b []byte) (n int, err error) {
	return c.readOrWrite(c.Conn.Read, b)
}

// Write bytes doing idle timeouts
func (c *timeoutConn) Write(b []byte) (n int, err error) {
	return c.readOrWrite(c.Conn.Write, b)
}

// NewDialer creates a net.Dialer structure with Timeout and Keepalive
// set from the configuration.
func NewDialer(ci *pan.ConfigInfo) *net.Dialer {
	return &net.Dialer{
		Timeout:   ci.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
}

// dial with context and timeouts
func dialContextTimeout(ctx context.Context, network, address string, ci *pan.ConfigInfo, timeout time.Duration) (net.Conn, error) {
	dialer := NewDialer(ci)
	c, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return c, err
	}
	return newTimeoutConn(c, timeout)
}

// Transport wraps an http.Transport.
// * Sets the User Agent
// * Waits on the TPS limiter if one is running
type Transport struct {
	*http.Transport
	userAgent string
}

// RoundTrip implements the RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	// Get transactions per second token first if limiting
	if tpsBucket != nil {
		tbErr := tpsBucket.Wait(req.Context())
		if tbErr != nil && tbErr != context.Canceled {
			pan.Errorf(nil, "HTTP token bucket error: %v", tbErr)
		}
	}
	// Force user agent
	req.Header.Set("User-Agent", t.userAgent)
	return t.Transport.RoundTrip(req)
}

// newTransport returns an http.RoundTripper with the passed idle
// read/write timeout.
func newTransport(ci *pan.ConfigInfo, timeout time.Duration) http.RoundTripper {
	startTPSBucket(ci)
	t := new(http.Transport)
	t.Proxy = http.ProxyFromEnvironment
	t.MaxIdleConnsPerHost = ci.PoolIdleConns
	t.MaxIdleConns = 2 * ci.PoolIdleConns
	t.MaxConnsPerHost = ci.PoolMaxConns
	t.TLSHandshakeTimeout = ci.ConnectTimeout
	t.ResponseHeaderTimeout = timeout
	t.IdleConnTimeout = 60 * time.Second
	t.ExpectContinueTimeout = 1 * time.Second
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialContextTimeout(ctx, network, addr, ci, timeout)
	}
	return &Transport{
		Transport: t,
		userAgent: ci.UserAgent,
	}
}

// NewClient returns an http.Client with the control-plane timeouts.
func NewClient(ci *pan.ConfigInfo) *http.Client {
	return &http.Client{
		Transport: newTransport(ci, ci.Timeout),
		Jar:       cookieJar,
	}
}

// NewUploadClient returns an http.Client tuned for chunk uploads: the
// same dialer but a much longer idle read timeout, because a 32 MiB
// part can legitimately stay in flight for minutes.
func NewUploadClient(ci *pan.ConfigInfo) *http.Client {
	return &http.Client{
		Transport: newTransport(ci, ci.UploadTimeout),
		Jar:       cookieJar,
	}
}
