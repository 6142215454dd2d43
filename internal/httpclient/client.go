// Package httpclient builds the outbound HTTP client used to call
// downstream worker services.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/albinvar/anatome.ai/errors"
)

const maxRedirects = 5

// New returns an HTTP client tuned for handler dispatch: bounded redirects,
// http/https only, and pooled connections sized for steady per-queue
// traffic. The per-call deadline comes from the request context, not the
// client, so each job type can carry its own timeout.
func New() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return errors.Newf("redirect to unsupported scheme %q blocked", req.URL.Scheme)
		}
		return nil
	}

	return client
}
