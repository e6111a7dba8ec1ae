package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hlledger/internal/domain"
)

// ErrInvalidCursor is returned for a cursor that does not decode.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// FillFilter narrows ListFills.
type FillFilter struct {
	Coin    string
	Builder string
	Cursor  string
	Limit   int
}

func (f FillFilter) normalized() FillFilter {
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

// FillPage is one page of stored fills.
type FillPage struct {
	Fills      []domain.RawFill `json:"fills"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// newFillPage trims fills, which may hold one row past limit, and sets the
// cursor when more rows exist.
func newFillPage(fills []domain.RawFill, limit int) *FillPage {
	page := &FillPage{}
	if len(fills) > limit {
		fills = fills[:limit]
		last := fills[len(fills)-1]
		page.NextCursor = encodeCursor(last.Time, last.Key())
	}
	page.Fills = fills
	if page.Fills == nil {
		page.Fills = []domain.RawFill{}
	}
	return page
}

func encodeCursor(ts int64, key string) string {
	raw := fmt.Sprintf("%d|%s", ts, key)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("%w: bad format", ErrInvalidCursor)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: parse timestamp: %v", ErrInvalidCursor, err)
	}
	return ts, parts[1], nil
}
