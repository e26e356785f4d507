// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Command exchange-fetch wires an exchange.Client to a list of endpoint
// URLs and drains pages to stdout. It exists to exercise the public
// contract end-to-end; it is not part of the algorithmic core.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/latticedb/exchange"
	"github.com/latticedb/exchange/config"
	"github.com/latticedb/exchange/logger"
	"github.com/latticedb/exchange/pagebuffer"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var locations []string
	var maxBufferedBytes int64
	var concurrentRequestMultiplier int
	var maxWait time.Duration

	cmd := &cobra.Command{
		Use:   "exchange-fetch",
		Short: "Poll a set of exchange endpoints and print pages received",
		Long: `
exchange-fetch drives an exchange.Client against one or more endpoint
URLs, printing each page's size as it arrives, until every endpoint
reports completion.
`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg := config.NewConfig()
			if configPath != "" {
				loaded, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if maxBufferedBytes > 0 {
				cfg.MaxBufferedBytes = maxBufferedBytes
			}
			if concurrentRequestMultiplier > 0 {
				cfg.ConcurrentRequestMultiplier = concurrentRequestMultiplier
			}
			cfg.Locations = append(cfg.Locations, locations...)

			return run(cfg, maxWait)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.StringSliceVar(&locations, "location", nil, "endpoint URL to poll (repeatable)")
	flags.Int64Var(&maxBufferedBytes, "max-buffered-bytes", 0, "override the configured buffer budget")
	flags.IntVar(&concurrentRequestMultiplier, "concurrent-request-multiplier", 0, "override the configured dispatch multiplier")
	flags.DurationVar(&maxWait, "max-wait", 2*time.Second, "how long GetNextPage may block per call")

	return cmd
}

func run(cfg *config.Config, maxWait time.Duration) error {
	log := logger.NewStandardLogger(os.Stderr)

	httpClient := retryablehttp.NewClient()
	httpClient.RetryWaitMin = time.Duration(cfg.MinErrorDuration)
	httpClient.RetryWaitMax = time.Duration(cfg.MaxErrorDuration)
	httpClient.RetryMax = 4
	httpClient.Logger = nil

	newSubClient := func(location exchange.EndpointID, cb exchange.ClientCallback) exchange.SubClient {
		return pagebuffer.New(string(location), cb, pagebuffer.Options{
			HTTPClient:      httpClient,
			MaxResponseSize: cfg.MaxResponseSize,
			RequestTimeout:  time.Duration(cfg.HTTP.RequestTimeout),
			Logger:          log,
		})
	}

	client := exchange.NewClient(cfg.ClientConfig(), newSubClient, exchange.NopMemoryListener, log)

	for _, loc := range cfg.Locations {
		if err := client.AddLocation(exchange.EndpointID(loc)); err != nil {
			return err
		}
	}
	client.NoMoreLocations()
	defer client.Close()

	var pagesReceived int
	var bytesReceived int64
	for {
		page, err := client.GetNextPage(maxWait)
		if err != nil {
			return err
		}
		if page != nil {
			pagesReceived++
			bytesReceived += page.SizeInBytes
			fmt.Printf("page %d: %d bytes (%d retained)\n", pagesReceived, page.SizeInBytes, page.RetainedSizeInBytes)
			continue
		}

		finished, err := client.IsFinished()
		if err != nil {
			return err
		}
		if finished {
			break
		}
	}

	fmt.Printf("done: %d pages, %d bytes\n", pagesReceived, bytesReceived)
	return nil
}
