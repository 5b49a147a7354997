package resilience

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

var (
	sharedTransport *http.Transport
	transportOnce   sync.Once
)

// SharedTransport returns the process-wide transport used for upstream
// calls. It is tuned for long-lived SSE streams: generous idle pooling,
// HTTP/2 with read-idle pings so a stalled stream is detected instead of
// hanging until the client timeout, and no response-header deadline short
// enough to cut off slow large-context generations.
func SharedTransport() *http.Transport {
	transportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ResponseHeaderTimeout: 10 * time.Minute,
			ForceAttemptHTTP2:     true,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			WriteBufferSize:       64 * 1024,
			ReadBufferSize:        64 * 1024,
		}
		if h2, err := http2.ConfigureTransports(sharedTransport); err == nil {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
	})
	return sharedTransport
}

// NewHTTPClient builds a client on the shared transport. A zero timeout
// leaves the deadline to the caller's context, which streaming needs.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: SharedTransport(),
		Timeout:   timeout,
	}
}
