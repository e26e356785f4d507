// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the consumer side of a distributed exchange:
// a fleet of per-endpoint page-buffer sub-clients is coordinated behind a
// single façade that buffers pages under a global byte budget, adaptively
// controls how many requests are in flight, and hands pages to a
// single-consumer operator in arrival order.
package exchange

import (
	"sync"
	"time"

	"github.com/latticedb/exchange/logger"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Config fixes the construction-time parameters of a Client. All fields
// are required; there is no on-disk state and no wire format owned by this
// package.
type Config struct {
	// MaxBufferedBytes is the backpressure threshold: once buffered bytes
	// reach this, the scheduler stops dispatching new requests.
	MaxBufferedBytes int64

	// MaxResponseSize is the per-request cap handed to each sub-client.
	// The exchange client itself never enforces it -- it's advisory to the
	// SubClient factory -- but it's carried here because every sub-client
	// needs the same value.
	MaxResponseSize int64

	// ConcurrentRequestMultiplier scales the target dispatch count.
	ConcurrentRequestMultiplier int

	// MinErrorDuration and MaxErrorDuration bound each sub-client's own
	// retry envelope. The exchange client does not retry at this layer.
	MinErrorDuration time.Duration
	MaxErrorDuration time.Duration
}

// NewSubClientFunc constructs the concrete SubClient for one endpoint. The
// exchange client owns none of the transport, codec, or retry-policy
// concerns -- see the pagebuffer package -- so it is handed a factory
// instead of a *http.Client directly.
type NewSubClientFunc func(location EndpointID, callback ClientCallback) SubClient

// Client is the exchange client façade: the single type application code
// interacts with. All exported methods are safe for concurrent use.
//
// A single coarse mutex (mu) guards every field below except queue,
// closed, and failure, which have their own synchronization so that a
// blocked consumer poll never contends with the mutex. See §5 of
// SPEC_FULL.md for the full concurrency argument.
type Client struct {
	cfg          Config
	newSubClient NewSubClientFunc

	logger  logger.Logger
	metrics *metricSet

	mu              sync.Mutex
	noMoreLocations bool
	registry        *registry
	blocked         blockedCallers

	bufferBytes            int64
	successfulRequests     int64
	averageBytesPerRequest int64

	queue      *pageQueue
	accountant *memoryAccountant

	closed  atomic.Bool
	failure atomic.Error
}

// NewClient constructs a Client. listener may be nil, in which case memory
// deltas are discarded. log may be nil, in which case logging is a no-op.
func NewClient(cfg Config, newSubClient NewSubClientFunc, listener MemoryListener, log logger.Logger) *Client {
	if log == nil {
		log = logger.NopLogger
	}
	return &Client{
		cfg:          cfg,
		newSubClient: newSubClient,
		logger:       log,
		metrics:      defaultMetrics,
		registry:     newRegistry(),
		queue:        newPageQueue(),
		accountant:   newMemoryAccountant(listener),
	}
}

// AddLocation registers a new endpoint and triggers scheduling. Adding a
// location already registered is a silent no-op. AddLocation returns a
// UsageError-coded error (it does not panic) if NoMoreLocations has already
// been called; it is a silent no-op if the client is closed.
func (c *Client) AddLocation(location EndpointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registry.contains(location) {
		return nil
	}

	if c.noMoreLocations {
		return newUsageError("no more locations already set")
	}

	if c.closed.Load() {
		return nil
	}

	sc := c.newSubClient(location, &clientCallback{c: c})
	c.registry.add(location, sc)
	c.logger.Debugf("exchange: added location %s", location)

	c.scheduleIfNecessaryLocked()
	return nil
}

// NoMoreLocations freezes the endpoint set. Calling it a second time is a
// no-op.
func (c *Client) NoMoreLocations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noMoreLocations {
		return
	}
	c.noMoreLocations = true
	c.scheduleIfNecessaryLocked()
}

// PollPage returns the next page, or nil if none is currently buffered. It
// never blocks. Callers must not hold any lock on Client while calling this
// (there is none exported to hold, but sub-client callbacks must likewise
// never call it re-entrantly while inside the façade mutex).
func (c *Client) PollPage() (*SerializedPage, error) {
	if err := c.failure.Load(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, nil
	}
	return c.postProcessPage(c.queue.poll())
}

// GetNextPage blocks up to maxWait for a page to arrive. It returns nil on
// timeout or once the client is closed, and only waits at all if there is
// at least one registered endpoint and maxWait is at least 1ms.
func (c *Client) GetNextPage(maxWait time.Duration) (*SerializedPage, error) {
	if err := c.failure.Load(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, nil
	}

	c.mu.Lock()
	c.scheduleIfNecessaryLocked()
	hasEndpoints := c.registry.count() > 0
	c.mu.Unlock()

	page := c.queue.poll()
	if page == nil && hasEndpoints && maxWait >= time.Millisecond {
		page = c.queue.pollWithTimeout(maxWait)
	}
	return c.postProcessPage(page)
}

// postProcessPage implements the sentinel-handling and memory-accounting
// steps common to PollPage and GetNextPage: §4.6's "sentinel handling in
// consumer" and the retained-bytes decrement for a real page.
func (c *Client) postProcessPage(page *SerializedPage) (*SerializedPage, error) {
	if page == nil {
		return nil, nil
	}

	if isSentinel(page) {
		c.closed.Store(true)
		c.queue.appendSentinelIfAbsent()

		c.mu.Lock()
		c.blocked.notifyAll()
		c.mu.Unlock()

		return nil, nil
	}

	c.mu.Lock()
	var released int64
	if !c.closed.Load() {
		c.bufferBytes -= page.RetainedSizeInBytes
		if c.bufferBytes < 0 {
			// buffer_bytes going negative means a page was double-counted
			// or double-released somewhere -- an internal bookkeeping bug,
			// not a caller mistake, so it latches like a transport failure
			// rather than surfacing as a UsageError.
			c.logger.Panicf("exchange: buffer_bytes went negative (%d) after releasing %d bytes", c.bufferBytes, page.RetainedSizeInBytes)
			if c.failure.Load() == nil {
				c.failure.Store(newStateViolation("buffer_bytes accounting underflow"))
			}
			c.bufferBytes = 0
		}
		released = page.RetainedSizeInBytes
	}
	c.mu.Unlock()
	// Close() already returns the whole buffer to the pool once, so a page
	// that raced with it must not be released a second time here.
	c.accountant.release(released)

	if !c.closed.Load() && isSentinel(c.queue.peekHead()) {
		c.closed.Store(true)
	}

	c.mu.Lock()
	c.scheduleIfNecessaryLocked()
	c.mu.Unlock()

	return page, nil
}

// IsFinished reports whether the client is closed and every registered
// endpoint has completed.
func (c *Client) IsFinished() (bool, error) {
	if err := c.failure.Load(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFinishedLocked(), nil
}

func (c *Client) isFinishedLocked() bool {
	return c.closed.Load() && c.registry.completedCount() == c.registry.count()
}

// IsClosed reports whether the client has reached its terminal state.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// IsBlocked returns a channel that is closed once a page is available, the
// client is closed, or it has failed. If one of those already holds, the
// returned channel is pre-closed.
func (c *Client) IsBlocked() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() || c.failure.Load() != nil || c.queue.peekHead() != nil {
		return closedSignal()
	}
	return c.blocked.newSignal()
}

// Close is idempotent: closing all sub-clients, clearing the queue,
// returning buffered bytes to the memory pool, appending the sentinel, and
// waking blocked callers happen exactly once no matter how many times
// Close is called.
func (c *Client) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}

	c.mu.Lock()
	clients := c.registry.allClients()
	bufferBytes := c.bufferBytes
	c.bufferBytes = 0
	c.mu.Unlock()

	// Close every sub-client concurrently; a slow or wedged sub-client
	// close must not hold up the others. Errors are logged and otherwise
	// swallowed, matching the Java original's closeQuietly.
	var g errgroup.Group
	for _, sc := range clients {
		sc := sc
		g.Go(func() error {
			if err := sc.Close(); err != nil {
				c.logger.Warnf("exchange: error closing sub-client: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.queue.clear()
	c.accountant.release(bufferBytes)
	c.queue.appendSentinelIfAbsent()

	c.mu.Lock()
	c.blocked.notifyAll()
	c.mu.Unlock()

	return nil
}

// Status returns a snapshot of the client's buffering and dispatch state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufferedPages := c.queue.len()
	if bufferedPages > 0 && isSentinel(c.queue.peekTail()) {
		bufferedPages--
	}

	clients := c.registry.allClients()
	perClient := make([]PageBufferClientStatus, 0, len(clients))
	for _, sc := range clients {
		perClient = append(perClient, sc.Status())
	}

	return Status{
		BufferedBytes:          c.bufferBytes,
		AverageBytesPerRequest: c.averageBytesPerRequest,
		BufferedPages:          bufferedPages,
		NoMoreLocations:        c.noMoreLocations,
		PerClient:              perClient,
	}
}

// clientCallback adapts the ClientCallback interface to the private
// methods on Client, mirroring the Java original's private inner
// ExchangeClientCallback class.
type clientCallback struct {
	c *Client
}

func (cb *clientCallback) AddPages(client SubClient, pages []*SerializedPage) bool {
	return cb.c.addPages(client, pages)
}

func (cb *clientCallback) RequestComplete(client SubClient) {
	cb.c.requestComplete(client)
}

func (cb *clientCallback) ClientFinished(client SubClient) {
	cb.c.clientFinished(client)
}

func (cb *clientCallback) ClientFailed(client SubClient, cause error) {
	cb.c.clientFailed(client, cause)
}

func (c *Client) addPages(client SubClient, pages []*SerializedPage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() || c.failure.Load() != nil {
		return false
	}

	c.queue.pushAll(pages)
	c.blocked.notifyAll()

	var retained, wireSize int64
	for _, p := range pages {
		retained += p.RetainedSizeInBytes
		wireSize += p.SizeInBytes
	}

	c.bufferBytes += retained
	c.accountant.reserve(retained)

	// Open Question in spec.md §9: successfulRequests increments
	// unconditionally, even for a zero-page batch, matching the source.
	c.successfulRequests++
	c.averageBytesPerRequest = updateAverage(c.averageBytesPerRequest, c.successfulRequests, wireSize)

	if c.metrics != nil {
		c.metrics.averageResponseSize.Set(float64(c.averageBytesPerRequest))
		c.metrics.bufferedBytes.Set(float64(c.bufferBytes))
		c.metrics.pagesReceived.Add(float64(len(pages)))
	}

	c.scheduleIfNecessaryLocked()
	return true
}

func (c *Client) requestComplete(client SubClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.markQueued(client)
	c.scheduleIfNecessaryLocked()
}

func (c *Client) clientFinished(client SubClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.markCompleted(client)
	c.logger.Debugf("exchange: sub-client finished")
	c.scheduleIfNecessaryLocked()
}

func (c *Client) clientFailed(client SubClient, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// TODO: the ordering between a late-arriving failure and a concurrent
	// close is deliberately unresolved here, per spec.md §9's open
	// question -- only the first-writer-wins latch below and the eventual
	// net-zero memory accounting are guaranteed. c.mu serializes every
	// writer of c.failure, so a plain load-then-store here is enough to
	// implement compare-and-set; only readers outside the mutex need
	// c.failure to be atomic.
	if c.closed.Load() {
		return
	}
	if c.failure.Load() == nil {
		c.failure.Store(newTransportError(cause))
		c.logger.Errorf("exchange: sub-client failed: %v", cause)
		c.blocked.notifyAll()
	}
}
