// Package feed serves descending keyset pages of completed posts and keeps
// per-view feed windows merged with real-time inserts.
package feed

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/champi-dev/aipics/internal/domain"
)

const (
	// DefaultLimit is the page size used when none is requested.
	DefaultLimit = 20
	// MaxLimit caps a single page.
	MaxLimit = 100
)

// ErrInvalidCursor rejects tokens that were not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("feed: invalid cursor")

// EncodeCursor turns a sort key into an opaque token.
// Format: base64url("ts:{unix_micro}:id:{id}")
func EncodeCursor(key domain.SortKey) string {
	raw := fmt.Sprintf("ts:%d:id:%s", key.CreatedAt.UnixMicro(), key.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token. An empty token means the first page and
// yields a nil key.
func DecodeCursor(token string) (*domain.SortKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding", ErrInvalidCursor)
	}
	raw, ok := strings.CutPrefix(string(data), "ts:")
	if !ok {
		return nil, fmt.Errorf("%w: missing ts prefix", ErrInvalidCursor)
	}
	ts, id, ok := strings.Cut(raw, ":id:")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: missing id segment", ErrInvalidCursor)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp", ErrInvalidCursor)
	}
	return &domain.SortKey{CreatedAt: time.UnixMicro(micros).UTC(), ID: id}, nil
}

// ClampLimit keeps limit within [1, MaxLimit], mapping non-positive values to
// DefaultLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
