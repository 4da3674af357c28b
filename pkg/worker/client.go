package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"pool_validator/pkg/data"
	"pool_validator/pkg/utils"
)

// DefaultOverhead is the grace allowed past the call timeout before a call is abandoned
const DefaultOverhead = 500 * time.Millisecond

var ErrResponseTooLarge = errors.New("response exceeds size limit")

// Transport carries one task to one worker and returns the raw response body.
// Implementations must honor ctx cancellation.
type Transport interface {
	RoundTrip(ctx context.Context, worker data.WorkerHandle, task data.Task) ([]byte, error)
}

// Client asks workers for task results. It never returns an error: every
// failure is reported on the reply.
type Client struct {
	transport Transport
	logger    *zap.Logger
	overhead  time.Duration
	now       func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithOverhead sets the grace period past the call timeout
func WithOverhead(d time.Duration) Option {
	return func(c *Client) { c.overhead = d }
}

// WithClock overrides the clock used for latency measurement
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a worker client over transport
func NewClient(transport Transport, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		logger:    logger,
		overhead:  DefaultOverhead,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type roundTripResult struct {
	body []byte
	err  error
}

// Ask sends task to worker and waits at most timeout (plus overhead) for a usable answer
func (c *Client) Ask(ctx context.Context, worker data.WorkerHandle, task data.Task, timeout time.Duration) data.Reply {
	start := c.now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan roundTripResult, 1)
	utils.SafeGo(c.logger, func() {
		body, err := c.transport.RoundTrip(callCtx, worker, task)
		done <- roundTripResult{body: body, err: err}
	})

	hard := time.NewTimer(timeout + c.overhead)
	defer hard.Stop()

	var res roundTripResult
	select {
	case res = <-done:
	case <-hard.C:
		return c.fail(worker, data.FailureTimeout, start, "no answer within call timeout")
	case <-ctx.Done():
		return c.fail(worker, data.FailureTimeout, start, ctx.Err().Error())
	}

	if res.err != nil {
		return c.fail(worker, classify(res.err), start, res.err.Error())
	}
	latency := c.now().Sub(start)

	var resp data.Response
	if err := json.Unmarshal(res.body, &resp); err != nil {
		if errors.Is(err, data.ErrInvalidRecord) {
			return c.fail(worker, data.FailureInvalid, start, err.Error())
		}
		return c.fail(worker, data.FailureDecode, start, err.Error())
	}
	if err := resp.Validate(); err != nil {
		return c.fail(worker, data.FailureInvalid, start, err.Error())
	}
	resp.ProcessTime = latency

	c.logger.Debug("Worker answered",
		zap.Int("uid", worker.UID),
		zap.Int("records", len(resp.Data)),
		zap.String("hash", resp.OverallDataHash),
		zap.Duration("latency", latency))

	return data.Reply{
		WorkerUID:   worker.UID,
		Payload:     resp.Data,
		ContentHash: resp.OverallDataHash,
		Latency:     resp.ProcessTime,
	}
}

func (c *Client) fail(worker data.WorkerHandle, reason data.FailureReason, start time.Time, detail string) data.Reply {
	latency := c.now().Sub(start)
	c.logger.Debug("Worker produced no answer",
		zap.Int("uid", worker.UID),
		zap.String("address", worker.Address()),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
		zap.Duration("latency", latency))
	return data.FailedReply(worker.UID, reason, latency, detail)
}

func classify(err error) data.FailureReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return data.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return data.FailureTimeout
	}
	if errors.Is(err, ErrResponseTooLarge) {
		return data.FailureInvalid
	}
	return data.FailureTransport
}

// ReadLimited reads r to EOF, failing once more than max bytes arrive
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, max)
	}
	return body, nil
}
