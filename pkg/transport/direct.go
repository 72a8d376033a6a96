package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

// ConnectHandler answers a connect request in process.
type ConnectHandler func(ctx context.Context, req core.ConnectRequest) (*ConnectResponse, error)

// SignHandler answers a sign request in process.
type SignHandler func(ctx context.Context, req core.SignRequest) (*SignResponse, error)

var _ Transport = (*DirectTransport)(nil)

// DirectTransport calls a wallet living in the same process. There is no
// channel to share so origin filtering does not apply. The state echo and the
// deadline are still enforced.
type DirectTransport struct {
	base
	connect ConnectHandler
	sign    SignHandler
}

func NewDirectTransport(connect ConnectHandler, sign SignHandler, opts ...Option) *DirectTransport {
	return &DirectTransport{
		base:    newBase("direct", opts),
		connect: connect,
		sign:    sign,
	}
}

func (t *DirectTransport) OpenConnectRequest(ctx context.Context, _ string, req core.ConnectRequest, opts Options) (resp *ConnectResponse, err error) {
	start := time.Now()
	defer func() { t.observe("connect", start, err) }()

	if t.connect == nil {
		return nil, errcode.New(errcode.CapabilityNotSupported, "wallet does not accept connect requests")
	}
	// a caller-supplied state is never trusted on a real wallet channel
	if req.State, err = newState(); err != nil {
		return nil, err
	}

	raw, err := callDirect(ctx, opts.timeout(DefaultTimeout), func(ctx context.Context) (*ConnectResponse, error) {
		return t.connect(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return finishDecoded[ConnectResponse, *ConnectResponse](ctx, raw, req.State, t.poller, opts)
}

func (t *DirectTransport) OpenSignRequest(ctx context.Context, _ string, req core.SignRequest, opts Options) (resp *SignResponse, err error) {
	start := time.Now()
	defer func() { t.observe("sign", start, err) }()

	if t.sign == nil {
		return nil, errcode.New(errcode.CapabilityNotSupported, "wallet does not accept sign requests")
	}
	if req.State, err = newState(); err != nil {
		return nil, err
	}

	raw, err := callDirect(ctx, opts.timeout(DefaultTimeout), func(ctx context.Context) (*SignResponse, error) {
		return t.sign(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return finishDecoded[SignResponse, *SignResponse](ctx, raw, req.State, t.poller, opts)
}

// callDirect runs fn under a deadline. A result arriving after the deadline
// is dropped.
func callDirect[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (*T, error)) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   *T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errcode.Wrap(errcode.Internal, fmt.Errorf("panic: %v", r), "wallet handler failed")}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errcode.Classify(r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		return nil, errcode.Classify(ctx.Err())
	}
}
