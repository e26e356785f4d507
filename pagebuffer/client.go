// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package pagebuffer implements the concrete PageBufferSubClient contract
// the exchange package treats as external: a single HTTP endpoint polled
// with GET requests, framed with a handful of custom headers, and reported
// back to the exchange façade through its ClientCallback interface.
package pagebuffer

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/latticedb/exchange"
	"github.com/latticedb/exchange/logger"
)

// Header names framing each page response, analogous to Presto's
// PRESTO_PAGE_TOKEN-family headers: the payload itself is opaque, and every
// piece of bookkeeping the exchange client needs travels in a header
// instead of being decoded from the body.
const (
	HeaderTaskInstanceID = "X-Exchange-Task-Instance-Id"
	HeaderNextToken      = "X-Exchange-Page-Next-Token"
	HeaderBufferComplete = "X-Exchange-Buffer-Complete"
	HeaderRetainedBytes  = "X-Exchange-Page-Retained-Bytes"
)

// state is this sub-client's own lifecycle (queued, pending, closed,
// failed), reported via Status for observability only; the exchange
// registry keeps its own queued/pending/completed sets for scheduling.
type state string

const (
	stateQueued  state = "QUEUED"
	statePending state = "PENDING"
	stateClosed  state = "CLOSED"
	stateFailed  state = "FAILED"
)

// Options configures a single Client. HTTPClient and Logger may be nil, in
// which case sane defaults are used.
type Options struct {
	HTTPClient      *retryablehttp.Client
	MaxResponseSize int64
	RequestTimeout  time.Duration

	// MinErrorDuration and MaxErrorDuration bound the backoff envelope of
	// the default HTTPClient's retry policy (SPEC_FULL.md §6). They are
	// ignored if HTTPClient is supplied directly -- a caller-provided
	// client is assumed to already carry its own retry configuration.
	MinErrorDuration time.Duration
	MaxErrorDuration time.Duration

	Logger logger.Logger
}

// Client polls one remote endpoint over HTTP and reports pages back to an
// exchange.ClientCallback. It implements exchange.SubClient.
type Client struct {
	uri      string
	callback exchange.ClientCallback
	opts     Options
	logger   logger.Logger

	mu                  sync.Mutex
	taskInstanceID      string
	nextToken           string
	state               state
	requestsScheduled   int64
	requestsCompleted   int64
	requestsFailed      int64
	pagesReceived       int64
	lastRequestAt       time.Time
	httpRequestDuration time.Duration
}

// New constructs a Client for a single endpoint URI. It satisfies
// exchange.NewSubClientFunc when partially applied over opts, e.g.:
//
//	func(o Options) exchange.NewSubClientFunc {
//		return func(location exchange.EndpointID, cb exchange.ClientCallback) exchange.SubClient {
//			return New(string(location), cb, o)
//		}
//	}
func New(uri string, callback exchange.ClientCallback, opts Options) *Client {
	if opts.HTTPClient == nil {
		minWait := opts.MinErrorDuration
		if minWait <= 0 {
			minWait = 10 * time.Second
		}
		maxWait := opts.MaxErrorDuration
		if maxWait <= 0 {
			maxWait = 5 * time.Minute
		}

		hc := retryablehttp.NewClient()
		hc.RetryWaitMin = minWait
		hc.RetryWaitMax = maxWait
		hc.RetryMax = 4
		hc.Logger = nil
		opts.HTTPClient = hc
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.NopLogger
	}
	return &Client{
		uri:      uri,
		callback: callback,
		opts:     opts,
		logger:   log,
		state:    stateQueued,
	}
}

// ScheduleRequest issues one GET request against the endpoint in a new
// goroutine and reports the outcome via the callbacks. It never blocks the
// caller, matching HttpPageBufferClient's async scheduleRequest.
func (c *Client) ScheduleRequest() {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateFailed {
		c.mu.Unlock()
		return
	}
	c.state = statePending
	c.requestsScheduled++
	c.mu.Unlock()

	go c.doRequest()
}

func (c *Client) doRequest() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		c.fail(fmt.Errorf("building request for %s: %w", c.uri, err))
		return
	}
	req.Header.Set("Accept", "application/octet-stream")
	if maxSize := c.opts.MaxResponseSize; maxSize > 0 {
		req.Header.Set("X-Exchange-Max-Size", strconv.FormatInt(maxSize, 10))
	}

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.fail(fmt.Errorf("requesting page from %s: %w", c.uri, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.requestComplete(duration, nil, resp.Header.Get(HeaderBufferComplete) == "true")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.fail(fmt.Errorf("%s returned status %s", c.uri, resp.Status))
		return
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		c.fail(fmt.Errorf("reading response body from %s: %w", c.uri, err))
		return
	}

	retained := int64(len(body))
	if v := resp.Header.Get(HeaderRetainedBytes); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			retained = parsed
		}
	}
	complete := resp.Header.Get(HeaderBufferComplete) == "true"

	c.mu.Lock()
	if tid := resp.Header.Get(HeaderTaskInstanceID); tid != "" {
		c.taskInstanceID = tid
	}
	if tok := resp.Header.Get(HeaderNextToken); tok != "" {
		c.nextToken = tok
	}
	c.mu.Unlock()

	var page *exchange.SerializedPage
	if len(body) > 0 {
		page = &exchange.SerializedPage{
			Payload:             body,
			SizeInBytes:         int64(len(body)),
			RetainedSizeInBytes: retained,
		}
	}
	c.requestComplete(duration, page, complete)
}

// requestComplete records bookkeeping, forwards a page if one arrived, and
// tells the façade whether the endpoint is exhausted.
func (c *Client) requestComplete(duration time.Duration, page *exchange.SerializedPage, complete bool) {
	c.mu.Lock()
	c.requestsCompleted++
	c.lastRequestAt = time.Now()
	c.httpRequestDuration = duration
	if page != nil {
		c.pagesReceived++
	}
	if !complete {
		c.state = stateQueued
	}
	c.mu.Unlock()

	if page != nil {
		c.callback.AddPages(c, []*exchange.SerializedPage{page})
	}

	if complete {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.callback.ClientFinished(c)
		return
	}

	c.callback.RequestComplete(c)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.requestsFailed++
	c.state = stateFailed
	c.mu.Unlock()

	c.logger.Warnf("pagebuffer: request to %s failed: %v", c.uri, err)
	c.callback.ClientFailed(c, err)
}

// Close aborts any further polling of this endpoint. It sends a best-effort
// DELETE to let the remote side release its buffer, mirroring Presto's
// abort-on-close semantics, but never fails the caller on a transport
// error -- Close is meant to be quiet on the way out.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, c.uri, nil)
	if err != nil {
		return nil
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.logger.Debugf("pagebuffer: abort request to %s failed: %v", c.uri, err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// Status reports a point-in-time snapshot of this sub-client's counters.
func (c *Client) Status() exchange.PageBufferClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exchange.PageBufferClientStatus{
		URI:                 c.uri,
		State:               string(c.state),
		PagesReceived:       c.pagesReceived,
		RequestsScheduled:   c.requestsScheduled,
		RequestsCompleted:   c.requestsCompleted,
		RequestsFailed:      c.requestsFailed,
		LastRequestAt:       c.lastRequestAt,
		HTTPRequestDuration: c.httpRequestDuration,
	}
}
