package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker answers whether a TCP endpoint accepts a connection. The
// gateway provisioner points it at a desktop's VNC port before any
// connection record is created.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a checker for host:port with a 5 second dial
// timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// WithTimeout overrides the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// Check dials the address once.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return result(start, false, fmt.Sprintf("dial %s: %v", t.Address, err))
	}
	conn.Close()
	return result(start, true, t.Address+" accepts connections")
}
