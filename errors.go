// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

import "github.com/latticedb/exchange/errors"

// Error codes for the three kinds spec.md §7 distinguishes. Transport and
// StateViolation are terminal for the client instance; a UsageError
// surfaces at the caller but never poisons the client.
const (
	// ErrTransport wraps the first failure escalated by a sub-client via
	// ClientFailed. Once latched, it is terminal.
	ErrTransport errors.Code = "Transport"

	// ErrUsage marks a programming error such as calling AddLocation after
	// NoMoreLocations. It surfaces synchronously to the offending caller
	// and does not affect the client's terminal state.
	ErrUsage errors.Code = "UsageError"

	// ErrStateViolation marks a defensive assertion failure; the consumer
	// path raises it when buffer_bytes accounting underflows.
	ErrStateViolation errors.Code = "StateViolation"
)

func newTransportError(cause error) error {
	return errors.New(ErrTransport, "sub-client reported failure: "+cause.Error())
}

func newUsageError(message string) error {
	return errors.New(ErrUsage, message)
}

func newStateViolation(message string) error {
	return errors.New(ErrStateViolation, message)
}
