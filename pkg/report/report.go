// Package report submits finished crash payloads to the reporting backend.
// Retry and backoff are deliberately absent: the caller owns scheduling, and
// a failed send is surfaced as-is with the cohort token untouched.
package report

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// CohortHeader carries the backend-assigned crash reporting cohort id,
	// used solely to deduplicate reports server-side after opt-in.
	CohortHeader = "crcid"

	requestIDHeader = "x-request-id"
)

// Response is the outcome of one send.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// OK reports whether the backend accepted the payload.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Cohort returns the cohort id assigned by the backend, or "" when the
// response carried none.
func (r *Response) Cohort() string {
	return r.Header.Get(CohortHeader)
}

// Client posts crash payloads over HTTP.
type Client struct {
	rc   *resty.Client
	path string
}

func NewClient(baseURL string) *Client {
	return &Client{
		rc: resty.New().
			SetBaseURL(baseURL).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/octet-stream"),
		path: "/crashes",
	}
}

// Send posts one payload with the current cohort token. Transport failures
// return an error and no response; HTTP-level rejection returns the response
// so the caller can inspect status and headers.
func (c *Client) Send(ctx context.Context, body []byte, cohort string) (*Response, error) {
	req := c.rc.R().
		SetContext(ctx).
		SetHeader(requestIDHeader, uuid.NewString()).
		SetBody(body)
	if cohort != "" {
		req.SetHeader(CohortHeader, cohort)
	}
	resp, err := req.Post(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to submit crash report")
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		Header:     resp.Header(),
	}, nil
}
