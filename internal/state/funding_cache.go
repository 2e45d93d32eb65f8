package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"bybit-carry-bot/internal/market"

	"github.com/vmihailenco/msgpack/v5"
)

// FundingCache stores fetched funding windows in the kv store so repeated
// backtests over the same range skip the paginated history download. Blobs
// are msgpack, keyed by symbol and the exact window bounds; a different
// window is a different key, never a partial hit.
type FundingCache struct {
	store Store
}

func NewFundingCache(store Store) *FundingCache {
	return &FundingCache{store: store}
}

type cachedWindow struct {
	Samples []market.FundingSample `msgpack:"samples"`
}

func fundingKey(symbol string, start, end time.Time) string {
	return fmt.Sprintf("funding:%s:%d:%d", symbol, start.UnixMilli(), end.UnixMilli())
}

func (c *FundingCache) Load(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingSample, bool, error) {
	if c == nil || c.store == nil {
		return nil, false, nil
	}
	raw, ok, err := c.store.Get(ctx, fundingKey(symbol, start, end))
	if err != nil || !ok {
		return nil, false, err
	}
	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("funding cache for %s: %w", symbol, err)
	}
	var window cachedWindow
	if err := msgpack.Unmarshal(blob, &window); err != nil {
		return nil, false, fmt.Errorf("funding cache for %s: %w", symbol, err)
	}
	return window.Samples, true, nil
}

func (c *FundingCache) Save(ctx context.Context, symbol string, start, end time.Time, samples []market.FundingSample) error {
	if c == nil || c.store == nil {
		return nil
	}
	blob, err := msgpack.Marshal(cachedWindow{Samples: samples})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, fundingKey(symbol, start, end), base64.StdEncoding.EncodeToString(blob))
}
