// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

// scheduleIfNecessaryLocked is the adaptive dispatcher described in
// SPEC_FULL.md §4.5. It is idempotent and re-entrant: it is called from
// every public entry point and every sub-client callback, always with mu
// already held, and always safe to call redundantly.
func (c *Client) scheduleIfNecessaryLocked() {
	if c.isFinishedLocked() || c.failure.Load() != nil {
		return
	}

	if c.noMoreLocations && c.registry.completedCount() == c.registry.count() {
		c.queue.appendSentinelIfAbsent()
		if !c.closed.Load() && isSentinel(c.queue.peekHead()) {
			c.closed.Store(true)
		}
		c.blocked.notifyAll()
		return
	}

	needed := c.cfg.MaxBufferedBytes - c.bufferBytes
	if needed <= 0 {
		return
	}

	target := computeDispatchTarget(needed, c.averageBytesPerRequest, c.cfg.ConcurrentRequestMultiplier, c.registry.pendingCount())
	if c.metrics != nil {
		c.metrics.dispatchTarget.Set(float64(target))
	}

	for i := 0; i < target; i++ {
		sc := c.registry.popQueued()
		if sc == nil {
			return
		}
		c.registry.markPending(sc)
		if c.metrics != nil {
			c.metrics.requestsDispatched.Inc()
		}
		sc.ScheduleRequest()
	}
}

// computeDispatchTarget implements SPEC_FULL.md §4.5 steps 4-6 as a pure
// function so the backpressure feedback loop can be unit tested without a
// live Client. neededBytes is max_buffered_bytes - buffer_bytes and is
// assumed to already be positive; avgBytesPerRequest is the current EWMA
// (zero is treated as "at least 1" per spec); multiplier scales the target;
// pendingCount is subtracted from the raw target before it's floor-clamped
// to zero (a negative target after subtracting pending simply dispatches
// nothing further, it does not "owe" a negative number of requests).
func computeDispatchTarget(neededBytes, avgBytesPerRequest int64, multiplier int, pendingCount int) int {
	avg := avgBytesPerRequest
	if avg <= 0 {
		avg = 1
	}

	target := int((float64(neededBytes) / float64(avg)) * float64(multiplier))
	if target < 1 {
		target = 1
	}

	target -= pendingCount
	if target < 0 {
		target = 0
	}
	return target
}

// updateAverage implements the §4.5 running-mean update:
//
//	avg_n = avg_{n-1} * (n-1)/n + responseSize/n
//
// n is successfulRequests after being incremented for the batch that just
// landed. Despite the "EWMA" name inherited from the original source, this
// is the exact cumulative arithmetic mean of response sizes across all
// successful requests, not an exponential average.
func updateAverage(prevAvg, n, responseSize int64) int64 {
	if n <= 0 {
		return prevAvg
	}
	return int64(float64(prevAvg)*float64(n-1)/float64(n) + float64(responseSize)/float64(n))
}
