// Package dedupe caches verdicts by user, device and referral identity so a
// returning user within the validity window skips re-processing.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/redirect"
)

// Keys identifies a user on up to three axes. Empty fields are skipped.
type Keys struct {
	User   string
	Device string
	Ref    string
}

// KeysFor derives dedupe keys from user facts. The user key exists only when
// both email and phone are present.
func KeysFor(email, phone, deviceID, refID string) Keys {
	var k Keys
	if h := UserHash(email, phone); h != "" {
		k.User = kv.UserKey(h)
	}
	if deviceID != "" {
		k.Device = kv.DeviceKey(deviceID)
	}
	if refID != "" {
		k.Ref = kv.RefKey(refID)
	}
	return k
}

// UserHash is sha256("<lowercased email>|<phone digits>") in hex, or "" if
// either part is missing.
func UserHash(email, phone string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	if email == "" || digits == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email + "|" + digits))
	return hex.EncodeToString(sum[:])
}

func (k Keys) ordered() []string {
	var out []string
	for _, key := range []string{k.User, k.Device, k.Ref} {
		if key != "" {
			out = append(out, key)
		}
	}
	return out
}

// Record is the envelope stored under each key.
type Record struct {
	Redirect   redirect.Redirect `json:"redirect"`
	LastUpload time.Time         `json:"lastUpload"`
}

type Index struct {
	kv  kv.Store
	now func() time.Time
}

func NewIndex(store kv.Store) *Index {
	return &Index{kv: store, now: time.Now}
}

// Check returns the first record found under the user, device then referral
// key with DaysRemaining recomputed. The stored TTL is not extended.
func (x *Index) Check(ctx context.Context, keys Keys) (*Record, error) {
	for _, key := range keys.ordered() {
		rec, err := x.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// LookupByRef reads the record for a referral id.
func (x *Index) LookupByRef(ctx context.Context, refID string) (*Record, error) {
	if refID == "" {
		return nil, nil
	}
	return x.read(ctx, kv.RefKey(refID))
}

// Store writes r to every non-empty key in parallel with the 30-day TTL.
// Individual write failures are logged; an error is returned only when no
// key could be written.
func (x *Index) Store(ctx context.Context, keys Keys, r redirect.Redirect) error {
	targets := keys.ordered()
	if len(targets) == 0 {
		return nil
	}
	rec := Record{Redirect: r, LastUpload: r.LastUpload}
	if rec.LastUpload.IsZero() {
		rec.LastUpload = x.now().UTC()
		rec.Redirect.LastUpload = rec.LastUpload
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dedupe record: %w", err)
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, key := range targets {
		g.Go(func() error {
			errs[i] = x.kv.Set(ctx, key, string(data), kv.DedupeTTL)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			slog.Warn("dedupe write failed", "key", targets[i], "error", err)
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("store dedupe record: %w", errs[0])
	}
	return nil
}

func (x *Index) read(ctx context.Context, key string) (*Record, error) {
	raw, ok, err := x.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read dedupe %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		slog.Warn("discarding malformed dedupe record", "key", key, "error", err)
		return nil, nil
	}
	rec.Redirect.LastUpload = rec.LastUpload
	rec.Redirect = rec.Redirect.Refresh(x.now())
	return &rec, nil
}
