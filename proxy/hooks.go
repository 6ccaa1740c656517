package proxy

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
)

// PreForwardHook runs before a request is forwarded. Forwarding waits
// for it; an error fails the request with a 502.
type PreForwardHook func(ctx context.Context, f *Flow) error

// PostResponseHook runs after the upstream response is read and before
// anything is written to the client. It may rewrite f.Response.
type PostResponseHook func(f *Flow) error

// Hooks holds the two replaceable extension points. Swaps are atomic;
// a request uses whichever hook it loaded.
type Hooks struct {
	pre  atomic.Pointer[PreForwardHook]
	post atomic.Pointer[PostResponseHook]
}

func NewHooks() *Hooks {
	return &Hooks{}
}

// SetPreForwardHook replaces the pre-forward hook. nil restores the no-op.
func (h *Hooks) SetPreForwardHook(fn PreForwardHook) {
	if fn == nil {
		h.pre.Store(nil)
		return
	}
	h.pre.Store(&fn)
}

// SetPostResponseHook replaces the post-response hook. nil restores the no-op.
func (h *Hooks) SetPostResponseHook(fn PostResponseHook) {
	if fn == nil {
		h.post.Store(nil)
		return
	}
	h.post.Store(&fn)
}

func (h *Hooks) preForward(ctx context.Context, f *Flow) (err error) {
	fn := h.pre.Load()
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Stage: "pre-forward", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := (*fn)(ctx, f); err != nil {
		return &HookError{Stage: "pre-forward", Err: err}
	}
	return nil
}

func (h *Hooks) postResponse(f *Flow) (err error) {
	fn := h.post.Load()
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Stage: "post-response", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := (*fn)(f); err != nil {
		return &HookError{Stage: "post-response", Err: err}
	}
	return nil
}
