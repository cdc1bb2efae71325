package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"
)

const userAgent = "dmdfetch/1 (+https://go.cluttr.dev/dmdfetch)"

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   runtime.GOMAXPROCS(0) + 1,
	}
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			Transport: defaultTransport(),
		},
	}
}

// headerTransport sets the headers every TRUD request carries unless the
// request already has them.
type headerTransport struct {
	*http.Transport
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, */*")
	}
	return t.Transport.RoundTrip(req)
}

// retryBackoff is the delay unit between attempts; attempt n waits n units.
var retryBackoff = 2 * time.Second

// doWithRetry sends a GET request for url and retries transport errors and
// server errors up to `retries` more times. Client errors are returned as-is.
// The caller owns the body of the returned response.
func doWithRetry(ctx context.Context, client *http.Client, url string, retries int) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying request", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError && attempt < retries {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%d - %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
