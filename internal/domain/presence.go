package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityRecord is the stored liveness state for one user.
// Unknown fields in the stored value are ignored on read.
type ActivityRecord struct {
	UserID     string          `json:"user_id"`
	Channel    string          `json:"channel,omitempty"`
	LastActive int64           `json:"last_active"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// LastActiveAt returns LastActive as a time.Time.
func (r ActivityRecord) LastActiveAt() time.Time {
	return time.UnixMilli(r.LastActive)
}

// ActivityMeta is what a caller supplies when signalling activity.
type ActivityMeta struct {
	Channel string
	Data    json.RawMessage
}

// PresenceEntry is one raw field of the presence map as returned by a snapshot.
type PresenceEntry struct {
	UserID string
	Raw    []byte
}

// ParseActivityRecord decodes a stored presence value. The field key is
// authoritative for the user id; a mismatching or empty embedded id, or a
// missing or negative timestamp, makes the record malformed.
func ParseActivityRecord(entry PresenceEntry) (ActivityRecord, error) {
	var stored struct {
		ActivityRecord
		LastActive *int64 `json:"last_active"`
	}
	if err := json.Unmarshal(entry.Raw, &stored); err != nil {
		return ActivityRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	rec := stored.ActivityRecord
	if rec.UserID == "" || rec.UserID != entry.UserID {
		return ActivityRecord{}, fmt.Errorf("%w: user id %q does not match key %q", ErrMalformedRecord, rec.UserID, entry.UserID)
	}
	if stored.LastActive == nil {
		return ActivityRecord{}, fmt.Errorf("%w: missing last_active", ErrMalformedRecord)
	}
	if *stored.LastActive < 0 {
		return ActivityRecord{}, fmt.Errorf("%w: negative last_active %d", ErrMalformedRecord, *stored.LastActive)
	}
	rec.LastActive = *stored.LastActive
	return rec, nil
}

// ParseSnapshot returns the well-formed records of a snapshot, skipping malformed ones.
func ParseSnapshot(entries []PresenceEntry) []ActivityRecord {
	records := make([]ActivityRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := ParseActivityRecord(e)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// PresenceStore is the single writer of activity records.
type PresenceStore interface {
	MarkActive(ctx context.Context, userID string, meta ActivityMeta) error
	Snapshot(ctx context.Context) ([]PresenceEntry, error)
	Evict(ctx context.Context, userIDs ...string) error
}
