package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// defaultDialTimeout bounds the upstream connect when the dialer does
// not set its own.
const defaultDialTimeout = 10 * time.Second

// Dialer opens the upstream analysis socket for one call. Injected so
// tests can run the relay against an in-process fake.
type Dialer interface {
	Dial(ctx context.Context, number string) (*websocket.Conn, error)
}

// UpstreamDialer connects to the analysis engine over WebSocket. The
// callee number travels as a query parameter and the API key as a
// header, per the upstream contract.
type UpstreamDialer struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Dial opens one analysis connection scoped to the given number.
func (d *UpstreamDialer) Dial(ctx context.Context, number string) (*websocket.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	q.Set("number", number)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.APIKey != "" {
		header.Set("X-Api-Key", d.APIKey)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("upstream dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("upstream dial: %w", err)
	}
	return conn, nil
}
