package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"pool_validator/pkg/config"
	"pool_validator/pkg/data"
	"pool_validator/pkg/utils"
	"pool_validator/pkg/verifier"
)

const (
	blockRangePath   = "/block-range"
	poolEventsPath   = "/pool-events"
	poolsCreatedPath = "/pools-created"

	maxBodyBytes = 64 << 20
)

var (
	ErrBadStatus = errors.New("unexpected oracle status")
	ErrBadRange  = errors.New("invalid block range")
)

// Client talks to the pool-data fetcher service. It serves spot checks and
// lists new pools for the task store.
type Client struct {
	baseURL string
	http    *http.Client
	retry   *utils.RetryConfig
	logger  *zap.Logger

	ranges *expirable.LRU[string, [2]int64]
	events *expirable.LRU[verifier.LookupKey, []data.Record]
}

var (
	_ verifier.Oracle = (*Client)(nil)
	_ data.PairSource = (*Client)(nil)
)

type blockRange struct {
	StartBlock int64 `json:"start_block"`
	EndBlock   int64 `json:"end_block"`
}

type poolEvents struct {
	Data []data.Record `json:"data"`
}

type poolsCreated struct {
	Data []data.TokenPair `json:"data"`
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient builds an oracle client from config
func NewClient(cfg *config.OracleConfig, logger *zap.Logger, opts ...Option) *Client {
	retry := utils.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   retry,
		logger:  logger,
		ranges:  expirable.NewLRU[string, [2]int64](size, nil, cfg.CacheTTL),
		events:  expirable.NewLRU[verifier.LookupKey, []data.Record](size, nil, cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BoundaryFor returns the block range covering the task window
func (c *Client) BoundaryFor(ctx context.Context, task data.Task) (int64, int64, error) {
	cacheKey := task.Start.Format(time.RFC3339) + "|" + task.End.Format(time.RFC3339)
	if r, ok := c.ranges.Get(cacheKey); ok {
		return r[0], r[1], nil
	}

	q := url.Values{}
	q.Set("start_datetime", task.Start.UTC().Format(data.TimeLayout))
	q.Set("end_datetime", task.End.UTC().Format(data.TimeLayout))

	var resp blockRange
	if err := c.get(ctx, blockRangePath, q, &resp); err != nil {
		return 0, 0, fmt.Errorf("fetching block range: %w", err)
	}
	if resp.StartBlock < 0 || resp.EndBlock < resp.StartBlock {
		return 0, 0, fmt.Errorf("%w: [%d, %d]", ErrBadRange, resp.StartBlock, resp.EndBlock)
	}

	c.ranges.Add(cacheKey, [2]int64{resp.StartBlock, resp.EndBlock})
	return resp.StartBlock, resp.EndBlock, nil
}

// Lookup returns the authoritative events of one pool at one block
func (c *Client) Lookup(ctx context.Context, key verifier.LookupKey) ([]data.Record, error) {
	if recs, ok := c.events.Get(key); ok {
		return recs, nil
	}

	block := strconv.FormatInt(key.Block, 10)
	q := url.Values{}
	q.Set("token_a", key.Pair.TokenA)
	q.Set("token_b", key.Pair.TokenB)
	q.Set("fee", strconv.FormatInt(key.Pair.Fee, 10))
	q.Set("start_block", block)
	q.Set("end_block", block)

	var resp poolEvents
	if err := c.get(ctx, poolEventsPath, q, &resp); err != nil {
		return nil, fmt.Errorf("fetching pool events: %w", err)
	}

	c.events.Add(key, resp.Data)
	return resp.Data, nil
}

// PoolsCreatedBetween lists pools created inside [start, end)
func (c *Client) PoolsCreatedBetween(ctx context.Context, start, end time.Time) ([]data.TokenPair, error) {
	q := url.Values{}
	q.Set("start_datetime", start.UTC().Format(data.TimeLayout))
	q.Set("end_datetime", end.UTC().Format(data.TimeLayout))

	var resp poolsCreated
	if err := c.get(ctx, poolsCreatedPath, q, &resp); err != nil {
		return nil, fmt.Errorf("fetching created pools: %w", err)
	}

	c.logger.Debug("Fetched created pools",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("count", len(resp.Data)))
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	reqURL := c.baseURL + path + "?" + q.Encode()

	return utils.RetryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return utils.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return utils.Permanent(ctx.Err())
			}
			c.logger.Warn("Oracle request failed",
				zap.String("path", path),
				zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := fmt.Errorf("%w: %d %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return utils.Permanent(statusErr)
			}
			return statusErr
		}

		if err := json.Unmarshal(body, out); err != nil {
			return utils.Permanent(fmt.Errorf("decoding %s: %w", path, err))
		}
		return nil
	}, c.retry)
}
