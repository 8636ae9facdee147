package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/kv"
)

// Cached memoizes successful parses by file content so a resubmitted PDF
// does not cost another model call.
type Cached struct {
	inner Parser
	kv    kv.Store
	ttl   time.Duration
}

func NewCached(inner Parser, store kv.Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = kv.ParseCacheTTL
	}
	return &Cached{inner: inner, kv: store, ttl: ttl}
}

// ContentHash is the hex sha256 of pdf.
func ContentHash(pdf []byte) string {
	sum := sha256.Sum256(pdf)
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Parse(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error) {
	key := kv.ParseKey(ContentHash(pdf))
	if raw, ok, err := c.kv.Get(ctx, key); err != nil {
		slog.Warn("parse cache read failed", "error", err)
	} else if ok {
		var res credit.ParseResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			slog.Info("parse cache hit", "key", key)
			return res, nil
		}
	}

	res, err := c.inner.Parse(ctx, pdf, filename)
	if err != nil || !res.OK {
		return res, err
	}
	if data, err := json.Marshal(res); err == nil {
		if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
			slog.Warn("parse cache write failed", "error", err)
		}
	}
	return res, nil
}
