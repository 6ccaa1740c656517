package proxy

import "fmt"

// ForwardError is a per-request failure to reach or talk to upstream.
// It is reported to the client as a 502.
type ForwardError struct {
	URL string
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s: %v", e.URL, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// HookError is a hook that returned an error or panicked.
type HookError struct {
	Stage string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook: %v", e.Stage, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// TunnelConnectError is a failed loopback connection for a CONNECT tunnel.
type TunnelConnectError struct {
	Target string
	Local  string
	Err    error
}

func (e *TunnelConnectError) Error() string {
	return fmt.Sprintf("tunnel %s via %s: %v", e.Target, e.Local, e.Err)
}

func (e *TunnelConnectError) Unwrap() error { return e.Err }
