// Package client queries an E3 kernel node over its HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"E3Kernel/internal/api"
	"E3Kernel/internal/protocol"
)

// defaultTimeout bounds every request made without a context deadline.
const defaultTimeout = 10 * time.Second

// Client connects to a node via HTTP.
type Client struct {
	baseURL string       // baseURL is the API root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http performs the requests
}

// New creates a client for the node at nodeAddr ("host:port" or a full URL).
func New(nodeAddr string) *Client {
	base := nodeAddr
	if u, err := url.Parse(nodeAddr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + nodeAddr
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// Status returns the kernel summary.
func (c *Client) Status(ctx context.Context) (api.StatusView, error) {
	var v api.StatusView
	err := c.do(ctx, http.MethodGet, "/status", &v)

	return v, err
}

// Instance returns an E3.
func (c *Client) Instance(ctx context.Context, id uint64) (api.InstanceView, error) {
	var v api.InstanceView
	err := c.do(ctx, http.MethodGet, "/e3/"+strconv.FormatUint(id, 10), &v)

	return v, err
}

// Failure reports whether an E3 can be marked failed now.
func (c *Client) Failure(ctx context.Context, id uint64) (api.FailureView, error) {
	var v api.FailureView
	err := c.do(ctx, http.MethodGet, "/e3/"+strconv.FormatUint(id, 10)+"/failure", &v)

	return v, err
}

// MarkFailed marks an E3 failed and returns the failure reason.
func (c *Client) MarkFailed(ctx context.Context, id uint64) (string, error) {
	var v struct {
		Reason string `json:"reason"`
	}
	err := c.do(ctx, http.MethodPost, "/e3/"+strconv.FormatUint(id, 10)+"/fail", &v)

	return v.Reason, err
}

// Operator returns an operator record.
func (c *Client) Operator(ctx context.Context, op protocol.Address) (api.OperatorView, error) {
	var v api.OperatorView
	err := c.do(ctx, http.MethodGet, "/operators/"+op.String(), &v)

	return v, err
}

// Round returns the sortition round of an E3.
func (c *Client) Round(ctx context.Context, id uint64) (api.RoundView, error) {
	var v api.RoundView
	err := c.do(ctx, http.MethodGet, "/sortition/"+strconv.FormatUint(id, 10), &v)

	return v, err
}

// Refund returns the refund distribution of a failed E3.
func (c *Client) Refund(ctx context.Context, id uint64) (api.DistributionView, error) {
	var v api.DistributionView
	err := c.do(ctx, http.MethodGet, "/refund/"+strconv.FormatUint(id, 10), &v)

	return v, err
}

// Events returns up to limit events starting at sequence number from.
// A zero limit uses the node default.
func (c *Client) Events(ctx context.Context, from uint64, limit int) ([]api.EventView, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var v []api.EventView
	err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), &v)

	return v, err
}

// WaitForStage polls an E3 until it reaches stage or a terminal stage.
func (c *Client) WaitForStage(ctx context.Context, id uint64, stage protocol.Stage, poll time.Duration) (api.InstanceView, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		inst, err := c.Instance(ctx, id)
		if err != nil {
			return inst, err
		}

		if inst.Stage == stage.String() {
			return inst, nil
		}

		if inst.Stage == protocol.StageComplete.String() || inst.Stage == protocol.StageFailed.String() {
			return inst, fmt.Errorf("e3 %d ended in %s before %s", id, inst.Stage, stage)
		}

		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
