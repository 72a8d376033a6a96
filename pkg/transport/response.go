package transport

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/ratelimit"

	"github.com/cantonconnect/bridge/pkg/errcode"
)

// ErrStateMismatch marks a response whose state differs from the request.
var ErrStateMismatch = errors.New("response state does not match request state")

type response interface {
	ConnectResponse | SignResponse
}

type responsePtr[T response] interface {
	*T
	envelope() (state, jobID string, perr *errcode.ProviderError)
	bind(state, jobID string)
}

func (r *ConnectResponse) envelope() (string, string, *errcode.ProviderError) {
	return r.State, r.JobID, r.Error
}

func (r *ConnectResponse) bind(state, jobID string) { r.State, r.JobID = state, jobID }

func (r *SignResponse) envelope() (string, string, *errcode.ProviderError) {
	return r.State, r.JobID, r.Error
}

func (r *SignResponse) bind(state, jobID string) { r.State, r.JobID = state, jobID }

// finish decodes a wallet answer for state, maps an embedded wallet error and
// resolves a job id through poller.
func finish[T response, PT responsePtr[T]](ctx context.Context, data json.RawMessage, state string, poller JobPoller, opts Options) (*T, error) {
	resp, err := decode[T, PT](data)
	if err != nil {
		return nil, err
	}
	return finishDecoded[T, PT](ctx, resp, state, poller, opts)
}

func finishDecoded[T response, PT responsePtr[T]](ctx context.Context, resp *T, state string, poller JobPoller, opts Options) (*T, error) {
	if resp == nil {
		return nil, errcode.New(errcode.TransportError, "empty wallet response")
	}
	gotState, jobID, perr := PT(resp).envelope()
	if gotState != state {
		return nil, errcode.Wrap(errcode.TransportError, ErrStateMismatch, "response rejected").
			WithDetail("reason", "state_mismatch")
	}
	if perr != nil {
		return nil, responseError(perr)
	}
	if jobID == "" {
		return resp, nil
	}

	if poller == nil {
		return nil, errcode.New(errcode.TransportError, "wallet returned a job but no job poller is configured")
	}
	result, err := AwaitJob(ctx, poller, jobID, opts)
	if err != nil {
		return nil, err
	}

	final, err := decode[T, PT](result)
	if err != nil {
		return nil, err
	}
	finalState, _, perr := PT(final).envelope()
	if finalState != "" && finalState != state {
		return nil, errcode.Wrap(errcode.TransportError, ErrStateMismatch, "job result rejected").
			WithDetail("reason", "state_mismatch")
	}
	if perr != nil {
		return nil, responseError(perr)
	}
	PT(final).bind(state, jobID)
	return final, nil
}

func decode[T response, PT responsePtr[T]](data json.RawMessage) (*T, error) {
	var v T
	if len(data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(data, PT(&v)); err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "malformed wallet response")
	}
	return &v, nil
}

// responseError maps an error a wallet embedded in its response. Known codes
// map directly, anything else is classified by its message.
func responseError(perr *errcode.ProviderError) error {
	if kind, ok := errcode.FromProviderCode(perr.Code); ok {
		msg := perr.Message
		if msg == "" {
			msg = string(kind)
		}
		return errcode.New(kind, msg)
	}
	return errcode.Classify(errors.New(perr.Message))
}

// AwaitJob polls jobID until it is approved or denied or the deadline passes.
// The overall deadline is opts.Timeout, or ManualApprovalTimeout.
func AwaitJob(ctx context.Context, poller JobPoller, jobID string, opts Options) (json.RawMessage, error) {
	timeout := opts.timeout(ManualApprovalTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := ratelimit.New(1, ratelimit.Per(opts.pollInterval()), ratelimit.WithoutSlack)
	for {
		limiter.Take()
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, errcode.Newf(errcode.Timeout, "job %s not approved within %s", jobID, timeout)
			}
			return nil, errcode.Classify(err)
		}

		status, err := poller.PollJobStatus(ctx, jobID, opts.StatusEndpoint, opts)
		if err != nil {
			return nil, errcode.Classify(err)
		}

		switch status.Status {
		case JobApproved:
			return status.Result, nil
		case JobDenied:
			if status.Error != nil {
				return nil, responseError(status.Error)
			}
			return nil, errcode.Newf(errcode.UserRejected, "job %s denied", jobID)
		}
	}
}
