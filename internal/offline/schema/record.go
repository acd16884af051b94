package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity store names. Each has its own table in the local database and its
// own collection in the remote store.
const (
	StoreItems            = "items"
	StoreParties          = "parties"
	StoreInvoices         = "invoices"
	StoreExpenses         = "expenses"
	StoreQuotations       = "quotations"
	StorePayments         = "payments"
	StoreDeliveryChallans = "delivery_challans"
)

var allStores = []string{
	StoreItems,
	StoreParties,
	StoreInvoices,
	StoreExpenses,
	StoreQuotations,
	StorePayments,
	StoreDeliveryChallans,
}

// AllStores returns every entity store name in a stable order.
func AllStores() []string {
	out := make([]string, len(allStores))
	copy(out, allStores)
	return out
}

// ValidStore reports whether name is a known entity store.
func ValidStore(name string) bool {
	for _, s := range allStores {
		if s == name {
			return true
		}
	}
	return false
}

// CheckStore returns ErrUnknownStore (wrapped) for unknown names.
func CheckStore(name string) error {
	if !ValidStore(name) {
		return fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return nil
}

// Origin records who assigned a record's ID.
type Origin string

const (
	// OriginLocal means the ID was minted on this device and the remote
	// store has not confirmed the record yet.
	OriginLocal Origin = "local"
	// OriginRemote means the ID was assigned by the remote store.
	OriginRemote Origin = "remote"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginLocal || o == OriginRemote
}

// SyncState is the per-record sync state machine.
type SyncState string

const (
	StateLocal         SyncState = "local"
	StateSyncingCreate SyncState = "syncing_create"
	StateRemote        SyncState = "remote"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StateLocal, StateSyncingCreate, StateRemote:
		return true
	}
	return false
}

// Metadata keys used in the flat JSON form.
const (
	keyID          = "id"
	keyOrigin      = "_origin"
	keyState       = "_state"
	keyPendingSync = "_pendingSync"
	keySavedAt     = "_savedAt"
	keySyncedAt    = "_syncedAt"
)

// Record is one business entity plus its sync metadata.
type Record struct {
	ID          string
	Origin      Origin
	State       SyncState
	PendingSync bool
	SavedAt     time.Time
	SyncedAt    *time.Time

	// Fields holds the business fields. It never contains "id" or
	// underscore-prefixed metadata keys.
	Fields map[string]any
}

// MintID returns a new locally-minted identifier: <prefix>_<unixMillis>_<suffix>.
func MintID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// NewLocalRecord creates a record with a freshly minted local ID.
func NewLocalRecord(prefix string, fields map[string]any, now time.Time) *Record {
	return &Record{
		ID:          MintID(prefix, now),
		Origin:      OriginLocal,
		State:       StateLocal,
		PendingSync: true,
		SavedAt:     now,
		Fields:      businessFields(fields),
	}
}

// NewRemoteRecord creates a record confirmed by the remote store.
func NewRemoteRecord(id string, fields map[string]any, now time.Time) *Record {
	synced := now
	return &Record{
		ID:          id,
		Origin:      OriginRemote,
		State:       StateRemote,
		PendingSync: false,
		SavedAt:     now,
		SyncedAt:    &synced,
		Fields:      businessFields(fields),
	}
}

// FromDocument converts a remote document (which carries its ID under "id")
// into a remote-origin record.
func FromDocument(doc map[string]any, now time.Time) (*Record, error) {
	id, _ := doc[keyID].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: remote document without id", ErrInvalidRecord)
	}
	return NewRemoteRecord(id, doc, now), nil
}

// Remap returns the record as it looks after its create was confirmed under
// newID. All business fields are carried forward.
func (r *Record) Remap(newID string, now time.Time) *Record {
	out := r.Clone()
	synced := now
	out.ID = newID
	out.Origin = OriginRemote
	out.State = StateRemote
	out.PendingSync = false
	out.SyncedAt = &synced
	return out
}

// Validate checks the record's identity and metadata.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !r.Origin.Valid() {
		return fmt.Errorf("%w: invalid origin %q", ErrInvalidRecord, r.Origin)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: invalid state %q", ErrInvalidRecord, r.State)
	}
	if r.Origin == OriginRemote && r.State != StateRemote {
		return fmt.Errorf("%w: remote-origin record in state %q", ErrInvalidRecord, r.State)
	}
	if r.Origin == OriginLocal && r.State == StateRemote {
		return fmt.Errorf("%w: local-origin record in state %q", ErrInvalidRecord, r.State)
	}
	if r.SavedAt.IsZero() {
		return fmt.Errorf("%w: saved_at is required", ErrInvalidRecord)
	}
	return nil
}

// SetDefaults fills metadata missing from older mirror files.
func (r *Record) SetDefaults(now time.Time) {
	if r.Origin == "" {
		r.Origin = OriginLocal
	}
	if r.State == "" {
		if r.Origin == OriginRemote {
			r.State = StateRemote
		} else {
			r.State = StateLocal
		}
	}
	if r.SavedAt.IsZero() {
		r.SavedAt = now
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		out.SyncedAt = &t
	}
	out.Fields = copyMap(r.Fields)
	return &out
}

// Merge applies patch to the business fields. A nil value removes the key.
// Identity and metadata keys in patch are ignored.
func (r *Record) Merge(patch map[string]any) {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	for k, v := range patch {
		if isReservedKey(k) {
			continue
		}
		if v == nil {
			delete(r.Fields, k)
			continue
		}
		r.Fields[k] = copyValue(v)
	}
}

// Sanitized returns the business fields with nil values removed at every
// depth. This is the payload sent to the remote store.
func (r *Record) Sanitized() map[string]any {
	return stripNil(r.Fields)
}

// Document returns the sanitized business fields plus the record ID.
func (r *Record) Document() map[string]any {
	doc := r.Sanitized()
	doc[keyID] = r.ID
	return doc
}

// String returns a string business field, or "" when absent.
func (r *Record) String(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Number returns a numeric business field.
func (r *Record) Number(field string) (float64, bool) {
	switch v := r.Fields[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// RecencyTime returns the business timestamp stored in field, falling back to
// SavedAt when the field is absent or unparseable.
func (r *Record) RecencyTime(field string) time.Time {
	if field == "" {
		return r.SavedAt
	}
	switch v := r.Fields[field].(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	case float64:
		return time.UnixMilli(int64(v))
	}
	return r.SavedAt
}

// MarshalJSON encodes the record as a flat document.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.flat())
}

// MarshalYAML encodes the record as the same flat document as MarshalJSON.
func (r Record) MarshalYAML() (any, error) {
	return r.flat(), nil
}

func (r Record) flat() map[string]any {
	m := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		if isReservedKey(k) {
			continue
		}
		m[k] = v
	}
	m[keyID] = r.ID
	m[keyOrigin] = r.Origin
	m[keyState] = r.State
	m[keyPendingSync] = r.PendingSync
	m[keySavedAt] = r.SavedAt.UTC().Format(time.RFC3339Nano)
	if r.SyncedAt != nil {
		m[keySyncedAt] = r.SyncedAt.UTC().Format(time.RFC3339Nano)
	} else {
		m[keySyncedAt] = nil
	}
	return m
}

// UnmarshalJSON decodes a flat document.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	*r = Record{Fields: map[string]any{}}
	for k, v := range m {
		switch k {
		case keyID:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: id must be a string", ErrInvalidRecord)
			}
			r.ID = s
		case keyOrigin:
			s, _ := v.(string)
			r.Origin = Origin(s)
		case keyState:
			s, _ := v.(string)
			r.State = SyncState(s)
		case keyPendingSync:
			b, _ := v.(bool)
			r.PendingSync = b
		case keySavedAt:
			if t, ok := parseTime(v); ok {
				r.SavedAt = t
			}
		case keySyncedAt:
			if t, ok := parseTime(v); ok {
				r.SyncedAt = &t
			}
		default:
			if strings.HasPrefix(k, "_") {
				continue
			}
			r.Fields[k] = v
		}
	}
	return nil
}

// FieldNames returns the business field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isReservedKey(k string) bool {
	return k == keyID || strings.HasPrefix(k, "_")
}

func businessFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isReservedKey(k) {
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func stripNil(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripNil(nested)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}
