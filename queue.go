// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

import (
	"container/list"
	"sync"
	"time"
)

// pageQueue is an MPSC FIFO of *SerializedPage. Any number of sub-client
// goroutines may push; only the single downstream consumer goroutine may
// poll. It tracks no byte bound itself -- backpressure is the scheduler's
// job, driven off Client.bufferBytes -- but it does carry the end-of-stream
// sentinel and support the blocking, timed poll the consumer needs.
//
// pageQueue has its own internal synchronization, deliberately separate
// from the façade mutex, so that a slow consumer poll never contends with
// state mutation elsewhere in the client.
type pageQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	l    *list.List
}

func newPageQueue() *pageQueue {
	q := &pageQueue{l: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// pushAll appends pages to the tail, in order, and wakes any waiting
// consumer. Pushing zero pages is a legal no-op.
func (q *pageQueue) pushAll(pages []*SerializedPage) {
	if len(pages) == 0 {
		return
	}
	q.mu.Lock()
	for _, p := range pages {
		q.l.PushBack(p)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// poll removes and returns the head of the queue, or nil if empty. It never
// blocks.
func (q *pageQueue) poll() *SerializedPage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popFrontLocked()
}

func (q *pageQueue) popFrontLocked() *SerializedPage {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*SerializedPage)
}

// pollWithTimeout blocks up to d for a page to become available, returning
// nil on timeout. A zero or negative d behaves like poll: it never blocks.
func (q *pageQueue) pollWithTimeout(d time.Duration) *SerializedPage {
	if d <= 0 {
		return q.poll()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if p := q.popFrontLocked(); p != nil {
		return p
	}

	deadline := time.Now().Add(d)

	// sync.Cond has no timed wait, so a helper goroutine converts the
	// deadline into a Broadcast. This mirrors the wake-on-timeout-or-signal
	// pattern the queue's blocking poll needs and the cond variable alone
	// can't express.
	timer := time.AfterFunc(d, q.cond.Broadcast)
	defer timer.Stop()

	for {
		if p := q.popFrontLocked(); p != nil {
			return p
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		q.cond.Wait()
	}
}

// peekHead returns the head of the queue without removing it, or nil if
// empty.
func (q *pageQueue) peekHead() *SerializedPage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.l.Front(); e != nil {
		return e.Value.(*SerializedPage)
	}
	return nil
}

// peekTail returns the tail of the queue without removing it, or nil if
// empty.
func (q *pageQueue) peekTail() *SerializedPage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.l.Back(); e != nil {
		return e.Value.(*SerializedPage)
	}
	return nil
}

// appendSentinelIfAbsent appends the NO_MORE_PAGES marker to the tail
// unless it is already present there. Only ever called with the tail
// possibly already holding the sentinel (never anywhere else), preserving
// the invariant that it is strictly last.
func (q *pageQueue) appendSentinelIfAbsent() {
	q.mu.Lock()
	if e := q.l.Back(); e == nil || !isSentinel(e.Value.(*SerializedPage)) {
		q.l.PushBack(noMorePages)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// clear drops every buffered page, sentinel included.
func (q *pageQueue) clear() {
	q.mu.Lock()
	q.l.Init()
	q.mu.Unlock()
	q.cond.Broadcast()
}

// len returns the current number of buffered elements, sentinel included.
func (q *pageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}
