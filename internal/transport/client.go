// Package transport builds the HTTP clients used to talk to the DataLab
// REST API and the auth service.
package transport

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// Options tune a client. Zero values pick the defaults.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout bounds a whole request on the buffered client.
	Timeout time.Duration
	// StreamTimeout bounds a whole request on the streaming client. Zero
	// leaves uploads and downloads to their own context.
	StreamTimeout time.Duration
	DisableHTTP2  bool
}

const (
	// h2 connections carrying a stalled body are pinged after this long
	// without frames and dropped when the ping goes unanswered.
	h2ReadIdleTimeout = 30 * time.Second
	h2PingTimeout     = 15 * time.Second
)

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	log zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// only errors and warnings are interesting
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func newTransport(opts Options, log zerolog.Logger) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 64
	tr.MaxIdleConnsPerHost = 16
	tr.IdleConnTimeout = 90 * time.Second
	tr.DisableCompression = true
	if opts.DisableHTTP2 {
		tr.ForceAttemptHTTP2 = false
	} else {
		tr.ForceAttemptHTTP2 = true
		h2, err := http2.ConfigureTransports(tr)
		if err != nil {
			log.Debug().Err(err).Msg("keeping built-in HTTP/2 support")
		} else {
			h2.ReadIdleTimeout = h2ReadIdleTimeout
			h2.PingTimeout = h2PingTimeout
		}
	}
	return tr
}

// NewClient returns a retrying client on a pooled transport. Request bodies
// are buffered for replay, so large uploads go through NewStreamingClient.
func NewClient(opts Options, log zerolog.Logger) *http.Client {
	tr := newTransport(opts, log)
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: tr, Timeout: opts.Timeout}
	retryClient.RetryMax = 3
	if opts.RetryMax > 0 {
		retryClient.RetryMax = opts.RetryMax
	}
	retryClient.RetryWaitMin = 500 * time.Millisecond
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	retryClient.RetryWaitMax = 10 * time.Second
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	retryClient.Logger = &retryLogger{log: log.With().Str("component", "http").Logger()}

	return retryClient.StandardClient()
}

// NewStreamingClient returns a client on the same transport settings that
// never buffers or replays request bodies. Only StreamTimeout applies.
func NewStreamingClient(opts Options, log zerolog.Logger) *http.Client {
	return &http.Client{Transport: newTransport(opts, log), Timeout: opts.StreamTimeout}
}
