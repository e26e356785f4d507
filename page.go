// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

// EndpointID identifies a single shuffle-source endpoint. Equality is exact
// value equality; two EndpointIDs referring to the same producer must
// compare equal.
type EndpointID string

// SerializedPage is an opaque, already-serialized batch of rows as produced
// by a remote shuffle source. The exchange client never decodes the
// payload: SizeInBytes and RetainedSizeInBytes are the only two attributes
// it inspects.
type SerializedPage struct {
	// Payload is the opaque wire representation of the page. The exchange
	// client neither reads nor mutates it.
	Payload []byte

	// SizeInBytes is the on-the-wire (compressed) size, used only to update
	// the running average of response sizes.
	SizeInBytes int64

	// RetainedSizeInBytes is the in-memory footprint once buffered, used for
	// memory accounting and the buffer-headroom calculation.
	RetainedSizeInBytes int64
}

// noMorePages is the reserved sentinel marking end-of-stream inside the
// page queue. It is never returned to a caller of Client.PollPage or
// Client.GetNextPage.
var noMorePages = &SerializedPage{}

// isSentinel reports whether p is the end-of-stream marker. Comparison is
// by pointer identity, matching the Java original's use of a singleton
// NO_MORE_PAGES instance rather than a value comparison.
func isSentinel(p *SerializedPage) bool {
	return p == noMorePages
}
