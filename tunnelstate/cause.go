package tunnelstate

import (
	"errors"
	"fmt"
)

// CauseKind classifies why the machine is blocking traffic.
type CauseKind int

const (
	CauseFirewallInit CauseKind = iota
	CauseDNSInit
	CauseRouteInit
	CauseSetFirewallPolicy
	CauseSetDNS
	CauseSetRoutes
	CauseTunnelFatal
	CauseParameterGeneration
	CauseRetriesExhausted
	CauseAuthFailed
	CauseOffline
)

func (k CauseKind) String() string {
	switch k {
	case CauseFirewallInit:
		return "firewall-init"
	case CauseDNSInit:
		return "dns-init"
	case CauseRouteInit:
		return "route-init"
	case CauseSetFirewallPolicy:
		return "set-firewall-policy"
	case CauseSetDNS:
		return "set-dns"
	case CauseSetRoutes:
		return "set-routes"
	case CauseTunnelFatal:
		return "tunnel-fatal"
	case CauseParameterGeneration:
		return "parameter-generation"
	case CauseRetriesExhausted:
		return "retries-exhausted"
	case CauseAuthFailed:
		return "auth-failed"
	case CauseOffline:
		return "offline"
	default:
		return fmt.Sprintf("cause(%d)", int(k))
	}
}

func (k CauseKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *CauseKind) UnmarshalText(text []byte) error {
	parsed, err := ParseCauseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseCauseKind is the inverse of CauseKind.String.
func ParseCauseKind(s string) (CauseKind, error) {
	for k := CauseFirewallInit; k <= CauseOffline; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown error cause %q", s)
}

// ErrorStateCause is carried into the Error state and its transition.
type ErrorStateCause struct {
	Kind   CauseKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func causeFromErr(kind CauseKind, err error) ErrorStateCause {
	c := ErrorStateCause{Kind: kind}
	if err != nil {
		c.Detail = err.Error()
	}
	return c
}

func (c ErrorStateCause) String() string {
	if c.Detail == "" {
		return c.Kind.String()
	}
	return c.Kind.String() + ": " + c.Detail
}

// ErrorState is the payload of an Error transition. BlockFailure is set when
// the blocking policy itself could not be installed.
type ErrorState struct {
	Cause        ErrorStateCause `json:"cause"`
	BlockFailure bool            `json:"blockFailure"`
}

var (
	// ErrNoMatchingRelay is returned by a parameter generator that has no
	// relay left to offer. It always forces the Error state.
	ErrNoMatchingRelay = errors.New("no relay matches the current constraints")

	// ErrTunnelFatal marks tunnel failures that retrying cannot fix.
	ErrTunnelFatal = errors.New("fatal tunnel error")

	ErrCommandChannelClosed = errors.New("tunnel state machine is not accepting commands")
)

// ParameterGenerationError is returned by a TunnelParametersGenerator.
// AuthFailed marks a source that rejected the client's credentials.
type ParameterGenerationError struct {
	Err        error
	Retryable  bool
	AuthFailed bool
}

func (e *ParameterGenerationError) Error() string {
	if e.AuthFailed {
		return fmt.Sprintf("tunnel parameter generation rejected credentials: %v", e.Err)
	}
	if e.Retryable {
		return fmt.Sprintf("tunnel parameter generation failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("tunnel parameter generation failed: %v", e.Err)
}

func (e *ParameterGenerationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a generator error should be retried with the
// next attempt rather than forcing the Error state. Errors the generator did
// not classify are treated as transient.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNoMatchingRelay) {
		return false
	}
	var pge *ParameterGenerationError
	if errors.As(err, &pge) {
		return pge.Retryable
	}
	return true
}

// IsAuthFailure reports whether a generator error was caused by rejected
// credentials.
func IsAuthFailure(err error) bool {
	var pge *ParameterGenerationError
	return errors.As(err, &pge) && pge.AuthFailed
}

// InitError is returned by Spawn when a collaborator cannot be constructed.
type InitError struct {
	Cause ErrorStateCause
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize tunnel state machine (%s): %v", e.Cause.Kind, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
