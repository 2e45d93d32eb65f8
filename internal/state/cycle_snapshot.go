package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "cycle:last_snapshot"

// CycleSnapshot is the outcome of the most recent rebalance cycle, persisted
// so the operator channel can answer /status after a restart.
type CycleSnapshot struct {
	Basket      []string `json:"basket"`
	Entered     []string `json:"entered"`
	Exited      []string `json:"exited"`
	HedgeUSD    float64  `json:"hedge_usd"`
	DeltaUSD    float64  `json:"delta_usd"`
	Failures    int      `json:"failures"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
