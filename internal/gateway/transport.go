package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/autobotela-sys/saas-copy-trading/internal/metrics"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// DefaultTimeout bounds every broker call.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// transport is the HTTP plumbing shared by the broker variants.
type transport struct {
	variant model.BrokerVariant
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func newTransport(variant model.BrokerVariant, baseURL string, client *http.Client, timeout time.Duration) *transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &transport{
		variant: variant,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
	}
}

// do performs one bounded request. A non-nil error is always a *Error and
// means no usable response arrived; HTTP error statuses are returned to the
// caller with the body so the variant can decode the broker's message.
func (t *transport) do(ctx context.Context, op, method, path string, body io.Reader, header http.Header) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues(string(t.variant), op).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, 0, t.fail(op, 0, "build request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, 0, t.fail(op, 0, "timed out after "+t.timeout.String(), err)
		}
		return nil, 0, t.fail(op, 0, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, t.fail(op, resp.StatusCode, "read response", err)
	}
	return data, resp.StatusCode, nil
}

// fail builds a gateway error and counts it.
func (t *transport) fail(op string, status int, reason string, err error) *Error {
	metrics.GatewayErrors.WithLabelValues(string(t.variant), op).Inc()
	if err != nil && reason != "" && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrUnsealable) {
		reason = reason + ": " + err.Error()
	}
	return &Error{Variant: t.variant, Op: op, Status: status, Reason: reason, Err: err}
}
