package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const SchemaVersion = 1

var ErrNotFound = errors.New("accessory cache not found")

// Record is one cached accessory. Device and State are opaque JSON owned by
// the caller.
type Record struct {
	ID        string          `json:"id"`
	Device    json.RawMessage `json:"device"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists the accessory cache between restarts.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

type snapshot struct {
	SchemaVersion int      `json:"schema_version"`
	Records       []Record `json:"records"`
}

func encodeSnapshot(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(snapshot{SchemaVersion: SchemaVersion, Records: records}, "", "  ")
}

func decodeSnapshot(data []byte) ([]Record, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cache: %w", err)
	}
	if snap.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported cache schema_version: %d", snap.SchemaVersion)
	}
	return snap.Records, nil
}

// Nop is a Store that remembers nothing.
type Nop struct{}

func (Nop) Load(context.Context) ([]Record, error) { return nil, nil }

func (Nop) Save(context.Context, []Record) error { return nil }
