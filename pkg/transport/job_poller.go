package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	golog "github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"
	"github.com/tidwall/gjson"

	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

const maxJobStatusBody = 1 << 20

// debounceLogger reports rate-limited job status requests that are retried.
var debounceLogger = golog.Logger("job-poller-debounce")

var _ JobPoller = (*HTTPJobPoller)(nil)

// HTTPJobPoller fetches job status over HTTP with
// GET <statusEndpoint>?jobId=<id>. Each request is bounded by
// JobStatusTimeout.
type HTTPJobPoller struct {
	client *http.Client
	logger log.Logger
	auth   func(ctx context.Context) (string, error)
}

func NewHTTPJobPoller(client *http.Client, logger log.Logger) *HTTPJobPoller {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &HTTPJobPoller{client: client, logger: logger.WithName("job-poller")}
}

// WithAuth sends a bearer token from token on every request.
func (p *HTTPJobPoller) WithAuth(token func(ctx context.Context) (string, error)) *HTTPJobPoller {
	p.auth = token
	return p
}

func (p *HTTPJobPoller) PollJobStatus(ctx context.Context, jobID, statusEndpoint string, _ Options) (*JobStatus, error) {
	u, err := url.Parse(statusEndpoint)
	if err != nil || u.Scheme == "" {
		return nil, errcode.Newf(errcode.TransportError, "invalid job status endpoint %q", statusEndpoint)
	}
	q := u.Query()
	q.Set("jobId", jobID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, JobStatusTimeout)
	defer cancel()

	// wallets rate limit their status endpoints, so 429 answers are retried
	var body []byte
	var fetchErr error
	err = debounce.Debounce(ctx, debounceLogger, func(ctx context.Context) error {
		body, fetchErr = p.fetch(ctx, u.String())
		return fetchErr
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "job status request failed")
	}
	if !gjson.ValidBytes(body) {
		return nil, errcode.New(errcode.TransportError, "job status response is not json")
	}

	return parseJobStatus(jobID, body)
}

func (p *HTTPJobPoller) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to build job status request")
	}
	req.Header.Set("Accept", "application/json")
	if p.auth != nil {
		token, err := p.auth(ctx)
		if err != nil {
			return nil, errcode.Wrap(errcode.TransportError, err, "failed to obtain job status token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Timeout, err, "job status request timed out")
		}
		return nil, errcode.Wrap(errcode.TransportError, err, "job status request failed")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxJobStatusBody))
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to read job status")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errcode.Wrap(errcode.TransportError, fmt.Errorf("status %s", res.Status), "job status request failed")
	}
	return body, nil
}

func parseJobStatus(jobID string, body []byte) (*JobStatus, error) {
	doc := gjson.ParseBytes(body)
	status := &JobStatus{
		JobID:  doc.Get("jobId").String(),
		Status: JobState(doc.Get("status").String()),
	}
	if status.JobID == "" {
		status.JobID = jobID
	}
	if status.JobID != jobID {
		return nil, errcode.Newf(errcode.TransportError, "job status for %s answered for %s", jobID, status.JobID)
	}

	switch status.Status {
	case JobPending, JobApproved, JobDenied:
	default:
		return nil, errcode.Newf(errcode.TransportError, "unknown job status %q", status.Status)
	}

	if r := doc.Get("result"); r.Exists() {
		status.Result = json.RawMessage(r.Raw)
	}
	if e := doc.Get("error"); e.Exists() && e.IsObject() {
		status.Error = &errcode.ProviderError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
	}
	return status, nil
}
