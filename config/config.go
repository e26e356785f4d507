// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config loads the construction parameters of an exchange client
// from TOML, following the teacher's server.Config conventions.
package config

import (
	"io/ioutil"
	"net/http"
	"time"

	gotoml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/latticedb/exchange"
	"github.com/latticedb/exchange/toml"
)

// Config is the on-disk shape of an exchange client's construction
// parameters plus the HTTP connection tuning its pagebuffer sub-clients
// need. Every field maps 1:1 onto spec.md §6.
type Config struct {
	// Locations is the initial (possibly empty) set of endpoint URIs.
	// AddLocation may still be called after construction for any not
	// listed here.
	Locations []string `toml:"locations"`

	MaxBufferedBytes            int64 `toml:"max-buffered-bytes"`
	MaxResponseSize             int64 `toml:"max-response-size"`
	ConcurrentRequestMultiplier int   `toml:"concurrent-request-multiplier"`

	MinErrorDuration toml.Duration `toml:"min-error-duration"`
	MaxErrorDuration toml.Duration `toml:"max-error-duration"`

	HTTP HTTPConfig `toml:"http"`
}

// HTTPConfig tunes the *http.Client shared by every pagebuffer sub-client.
type HTTPConfig struct {
	RequestTimeout  toml.Duration `toml:"request-timeout"`
	MaxIdleConns    int           `toml:"max-idle-conns"`
	IdleConnTimeout toml.Duration `toml:"idle-conn-timeout"`
}

// NewConfig returns a Config populated with the same defaults the teacher
// ships in server.NewConfig: conservative but usable without a config
// file at all.
func NewConfig() *Config {
	return &Config{
		MaxBufferedBytes:            32 << 20,
		MaxResponseSize:             8 << 20,
		ConcurrentRequestMultiplier: 3,
		MinErrorDuration:            toml.Duration(10 * time.Second),
		MaxErrorDuration:            toml.Duration(5 * time.Minute),
		HTTP: HTTPConfig{
			RequestTimeout:  toml.Duration(10 * time.Second),
			MaxIdleConns:    64,
			IdleConnTimeout: toml.Duration(90 * time.Second),
		},
	}
}

// ParseConfig parses s (TOML text) into a Config seeded with defaults.
func ParseConfig(s string) (*Config, error) {
	c := NewConfig()
	if err := gotoml.Unmarshal([]byte(s), c); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return c, nil
}

// LoadConfig reads and parses path.
func LoadConfig(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return ParseConfig(string(buf))
}

// ClientConfig projects the parts of Config that exchange.Client itself
// consumes, leaving HTTP tuning to whatever constructs the sub-client
// factory.
func (c *Config) ClientConfig() exchange.Config {
	return exchange.Config{
		MaxBufferedBytes:            c.MaxBufferedBytes,
		MaxResponseSize:             c.MaxResponseSize,
		ConcurrentRequestMultiplier: c.ConcurrentRequestMultiplier,
		MinErrorDuration:            time.Duration(c.MinErrorDuration),
		MaxErrorDuration:            time.Duration(c.MaxErrorDuration),
	}
}

// NewHTTPTransport builds the *http.Transport described by HTTPConfig, the
// same tuning knobs the teacher's internal client leaves to its caller to
// set on the shared http.Client.
func (hc HTTPConfig) NewHTTPTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:    hc.MaxIdleConns,
		IdleConnTimeout: time.Duration(hc.IdleConnTimeout),
	}
}
