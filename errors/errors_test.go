package errors_test

import (
	"fmt"
	"testing"

	"github.com/latticedb/exchange/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		fnf := newErrEndpointNotFound("http://host-1/task/1")
		tnf := newErrClientClosed("exchange-client-1")
		fnfCustom := errors.New(errEndpointNotFound, "custom field message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errEndpointNotFound,
				exp:    false,
			},
			{
				err:    fnf,
				target: errEndpointNotFound,
				exp:    true,
			},
			{
				err:    fnf,
				target: errClientClosed,
				exp:    false,
			},
			{
				err:    errors.Wrap(tnf, "with message"),
				target: errClientClosed,
				exp:    true,
			},
			{
				err:    fnfCustom,
				target: errEndpointNotFound,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})
}

// Test error codes.

const (
	errUncoded          errors.Code = "Uncoded"
	errEndpointNotFound errors.Code = "EndpointNotFound"
	errClientClosed     errors.Code = "ClientClosed"
)

func newUncoded(message string) error {
	return errors.New(
		errUncoded,
		message,
	)
}

func newErrEndpointNotFound(location string) error {
	return errors.New(
		errEndpointNotFound,
		"endpoint not found: "+location,
	)
}

func newErrClientClosed(clientID string) error {
	return errors.New(
		errClientClosed,
		"client already closed: "+clientID,
	)
}
