package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hipswatch/internal/auth"
	"hipswatch/internal/config"
	"hipswatch/internal/metrics"
	"hipswatch/internal/retry"
)

const maxBodyBytes = 16 << 20

// Client reads new attacks from the feed API using bearer authentication.
type Client struct {
	http        *http.Client
	tokens      auth.TokenSource
	baseURL     string
	attacksPath string
	resolvePath string
	dataKey     string
	timeout     time.Duration
	policy      retry.Policy
	log         *slog.Logger
}

// NewClient builds a feed client. The retry policy is used for resolve
// callbacks; fetches are retried by the watchdog loop instead.
func NewClient(cfg *config.Config, httpClient *http.Client, tokens auth.TokenSource, policy retry.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:        httpClient,
		tokens:      tokens,
		baseURL:     strings.TrimRight(cfg.APIURL, "/"),
		attacksPath: cfg.AttacksPath,
		resolvePath: cfg.ResolvePath,
		dataKey:     cfg.FeedDataKey,
		timeout:     cfg.RequestTimeout,
		policy:      policy,
		log:         logger,
	}
}

// FetchNewAttacks returns the valid attack records currently reported as new.
// Records with a malformed source address are logged and dropped.
func (c *Client) FetchNewAttacks(ctx context.Context) ([]AttackRecord, error) {
	resp, err := c.authorized(ctx, "fetch", http.MethodGet, c.baseURL+c.attacksPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, &FeedError{Kind: KindProtocol, Op: "fetch", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode payload: %w", err)}
	}

	raw, ok := payload[c.dataKey]
	if !ok || string(raw) == "null" {
		c.log.Info("no new attacks reported")
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &FeedError{Kind: KindProtocol, Op: "fetch", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %q: %w", c.dataKey, err)}
	}

	records := make([]AttackRecord, 0, len(entries))
	for i, entry := range entries {
		rec, err := parseEntry(entry)
		if err != nil {
			var verr *ValidationError
			reason := "malformed"
			if errors.As(err, &verr) {
				reason = verr.Reason
			}
			metrics.RecordsDropped.WithLabelValues(reason).Inc()
			c.log.Warn("dropping attack record", "index", i, "err", err)
			continue
		}
		records = append(records, rec)
	}
	c.log.Info("fetched attack records", "received", len(entries), "valid", len(records))
	return records, nil
}

// Resolve marks a flow as handled on the feed. Transient failures are retried
// according to the client's retry policy.
func (c *Client) Resolve(ctx context.Context, flowID string) error {
	u := c.baseURL + strings.ReplaceAll(c.resolvePath, "{flowId}", url.PathEscape(flowID))
	return c.policy.Do(ctx,
		func() error {
			resp, err := c.authorized(ctx, "resolve", http.MethodPut, u)
			if err != nil {
				return err
			}
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil
		},
		func(err error) bool {
			var ferr *FeedError
			return errors.As(err, &ferr) && ferr.Retryable()
		},
		func(n uint, err error) {
			c.log.Info("retrying resolve", "flow_id", flowID, "n", n, "err", err)
		},
	)
}

// authorized sends a bearer-authenticated request. On 401 it invalidates the
// token, acquires exactly one fresh token and retries exactly once. Any
// non-2xx response is returned as a FeedError; on success the caller owns the
// response body.
func (c *Client) authorized(ctx context.Context, op, method, u string) (*http.Response, error) {
	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, &FeedError{Kind: KindUnauthenticated, Op: op, Err: err}
	}

	resp, err := c.send(ctx, op, method, u, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.log.Warn("token rejected, re-authenticating", "op", op)
		c.tokens.Invalidate()

		tok, err = c.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, &FeedError{Kind: KindUnauthenticated, Op: op, Err: err}
		}
		resp, err = c.send(ctx, op, method, u, tok)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, &FeedError{Kind: KindUnauthorized, Op: op, StatusCode: resp.StatusCode, Err: errors.New("token rejected after re-authentication")}
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusForbidden:
		drain(resp)
		return nil, &FeedError{Kind: KindForbidden, Op: op, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		drain(resp)
		return nil, &FeedError{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	default:
		drain(resp)
		return nil, &FeedError{Kind: KindProtocol, Op: op, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
}

// send performs one request bounded by the client timeout. The timeout
// context is released when the response body is closed.
func (c *Client) send(ctx context.Context, op, method, u string, tok auth.Token) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		cancel()
		return nil, &FeedError{Kind: KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		metrics.FeedRequests.WithLabelValues(op, "error").Inc()
		return nil, &FeedError{Kind: KindTransient, Op: op, Err: err}
	}
	metrics.FeedRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// parseEntry decodes one [flowId, sourceAddress, ...] tuple.
func parseEntry(entry json.RawMessage) (AttackRecord, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return AttackRecord{}, &ValidationError{Value: string(entry), Reason: "not an array"}
	}
	if len(fields) < 2 {
		return AttackRecord{}, &ValidationError{Value: string(entry), Reason: "too few fields"}
	}

	flowID, err := scalarString(fields[0])
	if err != nil || flowID == "" {
		return AttackRecord{}, &ValidationError{Value: string(fields[0]), Reason: "invalid flow id"}
	}
	var addr string
	if err := json.Unmarshal(fields[1], &addr); err != nil {
		return AttackRecord{}, &ValidationError{FlowID: flowID, Value: string(fields[1]), Reason: "address is not a string"}
	}
	if err := ValidateAddress(addr); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.FlowID = flowID
		}
		return AttackRecord{}, err
	}
	return AttackRecord{FlowID: flowID, SourceAddress: addr, Raw: entry}, nil
}

// scalarString accepts flow ids sent either as JSON strings or numbers.
func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
