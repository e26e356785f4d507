// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

// Status is a point-in-time snapshot of the exchange client, as returned by
// Client.Status. BufferedPages excludes the end-of-stream sentinel.
type Status struct {
	BufferedBytes          int64                    `json:"bufferedBytes"`
	AverageBytesPerRequest int64                    `json:"averageBytesPerRequest"`
	BufferedPages          int                      `json:"bufferedPages"`
	NoMoreLocations        bool                     `json:"noMoreLocations"`
	PerClient              []PageBufferClientStatus `json:"perClient"`
}
