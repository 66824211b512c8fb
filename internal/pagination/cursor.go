// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor names the last row a client saw, as its (createdAt, id) sort key.
// Stores fetch limit+1 rows strictly past that position; the extra row tells
// the handler whether another page exists without a count query.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned for cursor tokens this service never issued.
var ErrMalformed = errors.New("pagination: malformed cursor")

// Cursor is a position in a listing ordered by (createdAt DESC, id DESC).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a cursor token. Empty input means the first page and yields
// a nil cursor.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformed
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrMalformed
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page trims a limit+1 fetch down to one page. It returns the page, the
// token for the next one, and whether a next page exists. key extracts the
// sort key of an item; the token points at the last item kept.
func Page[T any](items []T, limit int, key func(T) Cursor) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, key(items[len(items)-1]).String(), true
}
