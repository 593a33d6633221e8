// Package endpoint owns one long-lived session per configured egress
// endpoint: connect, reconnect with backoff, echo keepalive and drain.
package endpoint

import (
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/iso-relayer/internal/protocol/session"
)

// Endpoint is an immutable egress destination.
type Endpoint struct {
	ID      string
	Address string
	Session session.Config
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidEndpoint)
	}
	if _, _, err := net.SplitHostPort(e.Address); err != nil {
		return fmt.Errorf("%w: %s: address %q: %v", ErrInvalidEndpoint, e.ID, e.Address, err)
	}
	if err := e.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, e.ID, err)
	}
	return nil
}
