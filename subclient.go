// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

import "time"

// SubClient is the contract a per-endpoint page-buffer sub-client must
// satisfy. Its HTTP transport, wire codec, and retry policy are outside the
// scope of this package -- see the pagebuffer package for a concrete
// implementation -- but the exchange client depends on exactly this
// interface and on the four ClientCallback methods it drives in return.
//
// ScheduleRequest must be non-blocking: it hands off to the sub-client's
// own goroutine and returns immediately. It must never synchronously
// invoke any ClientCallback method, because the façade mutex is held
// across the call.
type SubClient interface {
	ScheduleRequest()
	Close() error
	Status() PageBufferClientStatus
}

// ClientCallback is the surface a SubClient drives on the exchange client.
// Every method may be called from any goroutine and must itself acquire
// whatever locking it needs; the exchange client's implementation acquires
// the façade mutex internally.
type ClientCallback interface {
	// AddPages accepts a batch of pages delivered by client. It returns
	// false if the exchange client is closed or failed, in which case the
	// caller must drop the batch rather than retry it.
	AddPages(client SubClient, pages []*SerializedPage) bool

	// RequestComplete signals that client finished an HTTP round trip and
	// is ready to be scheduled again.
	RequestComplete(client SubClient)

	// ClientFinished signals that client's endpoint produced its last page.
	ClientFinished(client SubClient)

	// ClientFailed signals that client encountered an unrecoverable error
	// after exhausting its own retry envelope.
	ClientFailed(client SubClient, cause error)
}

// PageBufferClientStatus is a point-in-time snapshot of one sub-client, as
// reported through Client.Status.
type PageBufferClientStatus struct {
	URI                 string        `json:"uri"`
	State               string        `json:"state"`
	PagesReceived       int64         `json:"pagesReceived"`
	RequestsScheduled   int64         `json:"requestsScheduled"`
	RequestsCompleted   int64         `json:"requestsCompleted"`
	RequestsFailed      int64         `json:"requestsFailed"`
	LastRequestAt       time.Time     `json:"lastRequestAt,omitempty"`
	HTTPRequestDuration time.Duration `json:"httpRequestDuration"`
}
