package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode      = errors.New("session: invalid security mode")
	ErrTLSRequired              = errors.New("session: tls required")
	ErrMTLSRequired             = errors.New("session: mtls required")
	ErrTLSCertFileRequired      = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired       = errors.New("session: tls key file required")
	ErrTLSCAFileRequired        = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow  = errors.New("session: insecure skip verify not allowed")
	ErrInvalidSessionParameters = errors.New("session: invalid parameters")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	v := strings.ToLower(strings.TrimSpace(string(mode)))
	if v == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(v)
}

// checkMode validates the mode and, in production, demands mutual TLS.
func (c Config) checkMode() (SecurityMode, error) {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		if !c.TLS.Enabled {
			return mode, fmt.Errorf("%w: production mode", ErrTLSRequired)
		}
		if !c.TLS.Mutual {
			return mode, fmt.Errorf("%w: production mode", ErrMTLSRequired)
		}
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return mode, fmt.Errorf("%w: mutual set without tls", ErrTLSRequired)
	}
	return mode, nil
}

func (c Config) checkKeyPair() error {
	if strings.TrimSpace(c.TLS.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.TLS.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ValidateClientTransport checks the egress side: a dialer to an issuing
// endpoint. Server verification needs a CA unless explicitly skipped, which
// production forbids.
func (c Config) ValidateClientTransport() error {
	mode, err := c.checkMode()
	if err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return c.checkParameters()
	}
	if c.TLS.InsecureSkipVerify && mode == SecurityModeProduction {
		return ErrTLSInsecureSkipNotAllow
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if err := c.checkKeyPair(); err != nil {
			return err
		}
	}
	return c.checkParameters()
}

// ValidateServerTransport checks the ingress listener side. Any TLS listener
// needs a key pair; verifying client certificates needs a CA.
func (c Config) ValidateServerTransport() error {
	if _, err := c.checkMode(); err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return nil
	}
	if err := c.checkKeyPair(); err != nil {
		return err
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// checkParameters rejects explicitly negative settings. Zero means default.
func (c Config) checkParameters() error {
	switch {
	case c.ConnectTimeout < 0, c.HandshakeTimeout < 0, c.ReadTimeout < 0, c.WriteTimeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidSessionParameters)
	case c.EchoInterval < 0, c.ResponseTimeout < 0:
		return fmt.Errorf("%w: negative echo interval or response timeout", ErrInvalidSessionParameters)
	case c.MissedEchoLimit < 0, c.MaxInFlight < 0:
		return fmt.Errorf("%w: negative limit", ErrInvalidSessionParameters)
	}
	return nil
}
