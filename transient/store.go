// Package transient stores short-lived parameters and blobs per entry id,
// enforcing a byte quota over blob content and reclaiming unreferenced
// content by garbage collection.
package transient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/wolfeidau/ephemeral"
	"github.com/wolfeidau/ephemeral/backend"
	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/telemetry"
)

// DefaultReleaseTTL is how long a released entry stays readable.
const DefaultReleaseTTL = 10 * time.Minute

// Store is a named transient store. Entry metadata lives in a kv.Store and
// blob payloads in a content addressed backend, so entries with identical
// content share one payload.
type Store struct {
	name       string
	kv         kv.Store
	content    backend.StagingBackend
	codec      *ParameterCodec
	maxSize    int64
	ttl        time.Duration
	releaseTTL time.Duration
	gcGrace    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	// sizeMu serializes size accounting: quota check, counter update and
	// entry size changes.
	sizeMu sync.Mutex

	// refMu is held shared while blobs are written and referenced, and
	// exclusively while GC rebuilds its reference set or deletes one
	// payload.
	refMu sync.RWMutex

	// pins collects payloads written while a GC run is deleting, so the
	// run skips them. Nil outside GC.
	pinMu sync.Mutex
	pins  map[ephemeral.Hash]struct{}

	// gcMu allows one GC run at a time.
	gcMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize sets the quota in bytes. Zero means unlimited.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithTTL sets the expiration applied to entries on every write. Zero keeps
// entries until removed.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithReleaseTTL sets the expiration applied by Release. Zero keeps released
// entries until removed.
func WithReleaseTTL(d time.Duration) Option {
	return func(s *Store) { s.releaseTTL = d }
}

// WithGCGrace protects content younger than d from GC.
func WithGCGrace(d time.Duration) Option {
	return func(s *Store) { s.gcGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the transient store name over a kv store and a content area.
func New(name string, store kv.Store, content backend.StagingBackend, opts ...Option) (*Store, error) {
	if store == nil || content == nil {
		return nil, fmt.Errorf("transient store %s: kv store and content backend are required", name)
	}
	codec, err := NewParameterCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		name:       name,
		kv:         store,
		content:    content,
		codec:      codec,
		releaseTTL: DefaultReleaseTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxSize < 0 {
		return nil, fmt.Errorf("transient store %s: negative max size %d", name, s.maxSize)
	}
	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// MaxSize returns the quota in bytes; zero means unlimited.
func (s *Store) MaxSize() int64 { return s.maxSize }

// Close releases codec resources. The kv store and content area belong to
// the caller.
func (s *Store) Close() {
	s.codec.Close()
}

// entryRecord is the value of an entry marker.
type entryRecord struct {
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// PutParameter sets one parameter of id, creating the entry if needed.
// The last write of a name wins.
func (s *Store) PutParameter(ctx context.Context, id, name string, value any) error {
	return s.PutParameters(ctx, id, map[string]any{name: value})
}

// PutParameters sets several parameters of id at once.
func (s *Store) PutParameters(ctx context.Context, id string, params map[string]any) error {
	if id == "" {
		return ErrInvalidID
	}
	encoded := make(map[string][]byte, len(params))
	for name, v := range params {
		if name == "" {
			return ErrInvalidParameterName
		}
		data, err := s.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		encoded[name] = data
	}

	rec, err := s.ensureEntry(ctx, id)
	if err != nil {
		return err
	}
	ttl := s.entryTTL(rec)
	for name, data := range encoded {
		if err := s.kv.Put(ctx, paramKey(id, name), data, ttl); err != nil {
			return fmt.Errorf("storing parameter %s of %s: %w", name, id, err)
		}
	}
	return s.refresh(ctx, id, ttl)
}

// GetParameter returns one parameter of id. Missing entries and missing
// names both report false.
func (s *Store) GetParameter(ctx context.Context, id, name string) (any, bool, error) {
	if id == "" {
		return nil, false, ErrInvalidID
	}
	if name == "" {
		return nil, false, ErrInvalidParameterName
	}
	data, ok, err := s.kv.Get(ctx, paramKey(id, name))
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := s.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("parameter %s of %s: %w", name, id, err)
	}
	return v, true, nil
}

// GetParameters returns all parameters of id. It returns nil when the entry
// does not exist and an empty map when it exists without parameters.
func (s *Store) GetParameters(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	exists, err := s.Exists(ctx, id)
	if err != nil || !exists {
		return nil, err
	}

	keys, err := s.kv.Keys(ctx, paramPrefix(id))
	if err != nil {
		return nil, err
	}
	params := make(map[string]any, len(keys))
	for _, key := range keys {
		name, ok := parseParamName(id, key)
		if !ok {
			continue
		}
		data, found, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		v, err := s.codec.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("parameter %s of %s: %w", name, id, err)
		}
		params[name] = v
	}
	return params, nil
}

// PutBlobs replaces the blob list of id with inputs and returns the stored
// descriptions. Content is streamed into the content area first; the entry
// and the storage size only change if the new total fits the quota. A
// rejected write returns a *QuotaExceededError and leaves the entry as it
// was.
func (s *Store) PutBlobs(ctx context.Context, id string, inputs []BlobInput) ([]Blob, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.refMu.RLock()
	defer s.refMu.RUnlock()

	staged := make([]stagedBlob, 0, len(inputs))
	for i, in := range inputs {
		if in.Content == nil {
			return nil, fmt.Errorf("blob %d of %s has no content", i, id)
		}
		h, n, created, err := writeContent(ctx, s.content, in.Content)
		if err != nil {
			return nil, fmt.Errorf("writing blob %d of %s: %w", i, id, err)
		}
		s.pin(h)
		staged = append(staged, stagedBlob{
			blob: Blob{
				Filename: in.Filename,
				MimeType: in.MimeType,
				Encoding: in.Encoding,
				Digest:   ephemeral.NewDigest(h),
				Length:   n,
			},
			created: created,
		})
	}

	blobs := make([]Blob, len(staged))
	for i, sb := range staged {
		blobs[i] = sb.blob
	}
	newSize := totalLength(blobs)
	list, err := encodeBlobs(blobs)
	if err != nil {
		return nil, err
	}

	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	oldSize, err := s.entrySize(ctx, id)
	if err != nil {
		return nil, err
	}
	delta := newSize - oldSize
	total, err := s.reserve(ctx, id, delta)
	if err != nil {
		return nil, err
	}

	if err := s.writeBlobMetadata(ctx, id, list, newSize); err != nil {
		if _, rerr := s.adjustStorageSize(ctx, -delta); rerr != nil {
			s.logger.Error("failed to roll back storage size", "store", s.name, "id", id, "error", rerr)
		}
		return nil, err
	}

	for _, sb := range staged {
		telemetry.RecordBlobWrite(ctx, s.name, sb.blob.Length, sb.created)
	}
	telemetry.RecordStorageSize(ctx, s.name, total)
	s.logger.Debug("blobs stored",
		"store", s.name,
		"id", id,
		"count", len(blobs),
		"size", newSize,
		"storage_size", total,
	)
	return blobs, nil
}

// pin protects h from the GC run in progress, if any.
func (s *Store) pin(h ephemeral.Hash) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pins != nil {
		s.pins[h] = struct{}{}
	}
}

func (s *Store) pinned(h ephemeral.Hash) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	_, ok := s.pins[h]
	return ok
}

func (s *Store) setPins(pins map[ephemeral.Hash]struct{}) {
	s.pinMu.Lock()
	s.pins = pins
	s.pinMu.Unlock()
}

func (s *Store) writeBlobMetadata(ctx context.Context, id string, list []byte, size int64) error {
	rec, err := s.ensureEntry(ctx, id)
	if err != nil {
		return err
	}
	ttl := s.entryTTL(rec)
	if err := s.kv.Put(ctx, blobsKey(id), list, ttl); err != nil {
		return fmt.Errorf("storing blob list of %s: %w", id, err)
	}
	if err := s.kv.Put(ctx, sizeKey(id), []byte(strconv.FormatInt(size, 10)), ttl); err != nil {
		return fmt.Errorf("storing size of %s: %w", id, err)
	}
	return s.refresh(ctx, id, ttl)
}

// reserve applies delta to the storage size counter unless the result would
// exceed the quota. Before rejecting, the counter is reconciled once with
// the live entries so bytes of expired entries do not count. Must be called
// with sizeMu held.
func (s *Store) reserve(ctx context.Context, id string, delta int64) (int64, error) {
	reconciled := false
	for {
		raw, _, err := s.kv.Get(ctx, storageSizeKey)
		if err != nil {
			return 0, err
		}
		current, err := parseSize(raw)
		if err != nil {
			return 0, err
		}
		next := current + delta
		if delta > 0 && s.maxSize > 0 && next > s.maxSize {
			if !reconciled {
				reconciled = true
				if _, _, err := s.reconcileSize(ctx); err != nil {
					return 0, err
				}
				continue
			}
			telemetry.RecordQuotaRejection(ctx, s.name)
			s.logger.Warn("transient quota exceeded",
				"store", s.name,
				"id", id,
				"requested", delta,
				"storage_size", current,
				"max_size", s.maxSize,
			)
			return 0, &QuotaExceededError{Store: s.name, ID: id, Requested: delta, Current: current, Max: s.maxSize}
		}
		if next < 0 {
			next = 0
		}
		swapped, err := s.kv.CompareAndSet(ctx, storageSizeKey, raw, formatSize(next), 0)
		if err != nil {
			return 0, err
		}
		if swapped {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// liveSize sums the sizes of the entries that exist now.
func (s *Store) liveSize(ctx context.Context) (int64, error) {
	ids, err := s.KeySet(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		n, err := s.entrySize(ctx, id)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// reconcileSize sets the storage size counter to the live size and returns
// the previously recorded value and the live one. A recorded value that
// does not parse is reported as -1. Must be called with sizeMu held.
func (s *Store) reconcileSize(ctx context.Context) (recorded, actual int64, err error) {
	actual, err = s.liveSize(ctx)
	if err != nil {
		return 0, 0, err
	}
	for {
		raw, _, err := s.kv.Get(ctx, storageSizeKey)
		if err != nil {
			return 0, 0, err
		}
		recorded, err = parseSize(raw)
		if err != nil {
			recorded = -1
		}
		if recorded == actual {
			return recorded, actual, nil
		}
		swapped, err := s.kv.CompareAndSet(ctx, storageSizeKey, raw, formatSize(actual), 0)
		if err != nil {
			return 0, 0, err
		}
		if swapped {
			s.logger.Info("storage size reconciled",
				"store", s.name,
				"recorded", recorded,
				"actual", actual,
			)
			return recorded, actual, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
	}
}

// adjustStorageSize applies delta without a quota check.
func (s *Store) adjustStorageSize(ctx context.Context, delta int64) (int64, error) {
	if delta == 0 {
		raw, _, err := s.kv.Get(ctx, storageSizeKey)
		if err != nil {
			return 0, err
		}
		return parseSize(raw)
	}
	n, err := kv.AddAndGet(ctx, s.kv, storageSizeKey, delta)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		// counter drifted below zero, clamp it; GC reconciles the rest
		if _, err := s.kv.CompareAndSet(ctx, storageSizeKey, formatSize(n), nil, 0); err != nil {
			return 0, err
		}
		n = 0
	}
	return n, nil
}

// GetBlobs returns the blob list of id. It returns nil when the entry does
// not exist and an empty slice when it has no blobs.
func (s *Store) GetBlobs(ctx context.Context, id string) ([]Blob, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	exists, err := s.Exists(ctx, id)
	if err != nil || !exists {
		return nil, err
	}
	data, ok, err := s.kv.Get(ctx, blobsKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Blob{}, nil
	}
	return decodeBlobs(data)
}

// OpenBlob streams the content of b. The caller must close the reader.
func (s *Store) OpenBlob(ctx context.Context, b Blob) (io.ReadCloser, error) {
	return openContent(ctx, s.content, b)
}

// GetSize returns the byte size of id's blobs, or -1 if id does not exist.
func (s *Store) GetSize(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, ErrInvalidID
	}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return -1, nil
	}
	return s.entrySize(ctx, id)
}

// entrySize returns the recorded size of id, zero when unset.
func (s *Store) entrySize(ctx context.Context, id string) (int64, error) {
	raw, _, err := s.kv.Get(ctx, sizeKey(id))
	if err != nil {
		return 0, err
	}
	return parseSize(raw)
}

// IsCompleted reports whether id was marked completed.
func (s *Store) IsCompleted(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	_, ok, err := s.kv.Get(ctx, completedKey(id))
	return ok, err
}

// SetCompleted marks id completed, creating the entry if needed.
func (s *Store) SetCompleted(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	rec, err := s.ensureEntry(ctx, id)
	if err != nil {
		return err
	}
	ttl := s.entryTTL(rec)
	if err := s.kv.Put(ctx, completedKey(id), []byte("1"), ttl); err != nil {
		return fmt.Errorf("marking %s completed: %w", id, err)
	}
	return s.refresh(ctx, id, ttl)
}

// Exists reports whether id has an entry.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	_, ok, err := s.kv.Get(ctx, entryKey(id))
	return ok, err
}

// IsReleased reports whether id was released.
func (s *Store) IsReleased(ctx context.Context, id string) (bool, error) {
	rec, ok, err := s.loadEntry(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return rec.ReleasedAt != nil, nil
}

// Release marks id as no longer needed by its producer. The entry stays
// readable and counted until it expires after the release TTL, or is
// removed. It reports false when id does not exist.
func (s *Store) Release(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	for {
		raw, ok, err := s.kv.Get(ctx, entryKey(id))
		if err != nil || !ok {
			return false, err
		}
		var rec entryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, fmt.Errorf("decoding entry %s: %w", id, err)
		}
		if rec.ReleasedAt == nil {
			now := s.now().UTC()
			rec.ReleasedAt = &now
		}
		next, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		swapped, err := s.kv.CompareAndSet(ctx, entryKey(id), raw, next, s.releaseTTL)
		if err != nil {
			return false, err
		}
		if swapped {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	if err := s.touch(ctx, id, s.releaseTTL); err != nil {
		return false, err
	}
	s.logger.Debug("entry released", "store", s.name, "id", id, "ttl", s.releaseTTL)
	return true, nil
}

// Remove deletes id's parameters and blob metadata and subtracts its size
// from the storage size. Blob content is left for GC because other entries
// may reference it. It reports false when id does not exist.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}

	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	exists, err := s.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	size, err := s.entrySize(ctx, id)
	if err != nil {
		return false, err
	}

	// the marker goes first so a partial failure leaves no visible entry
	if err := s.kv.Put(ctx, entryKey(id), nil, 0); err != nil {
		return false, fmt.Errorf("removing entry %s: %w", id, err)
	}
	children, err := s.kv.Keys(ctx, entryChildPrefix(id))
	if err != nil {
		return false, err
	}
	for _, key := range children {
		if err := s.kv.Put(ctx, key, nil, 0); err != nil {
			return false, fmt.Errorf("removing %s: %w", key, err)
		}
	}

	total, err := s.adjustStorageSize(ctx, -size)
	if err != nil {
		return false, err
	}
	telemetry.RecordEntryRemoved(ctx, s.name)
	telemetry.RecordStorageSize(ctx, s.name, total)
	s.logger.Debug("entry removed", "store", s.name, "id", id, "size", size, "storage_size", total)
	return true, nil
}

// StorageSize returns the size of all existing entries. Bytes of entries
// that expired since the last write are dropped from the counter first, so
// the result always matches KeySet.
func (s *Store) StorageSize(ctx context.Context) (int64, error) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	_, actual, err := s.reconcileSize(ctx)
	return actual, err
}

// KeySet returns the sorted ids of all existing entries.
func (s *Store) KeySet(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, entryPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := parseEntryMarker(key); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	StorageSize int64  `json:"storage_size"`
	MaxSize     int64  `json:"max_size"`
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ids, err := s.KeySet(ctx)
	if err != nil {
		return Stats{}, err
	}
	size, err := s.StorageSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Name: s.name, Entries: len(ids), StorageSize: size, MaxSize: s.maxSize}, nil
}

// ensureEntry creates the marker of id if it does not exist and returns it.
func (s *Store) ensureEntry(ctx context.Context, id string) (entryRecord, error) {
	for {
		rec, ok, err := s.loadEntry(ctx, id)
		if err != nil {
			return entryRecord{}, err
		}
		if ok {
			return rec, nil
		}
		rec = entryRecord{CreatedAt: s.now().UTC()}
		data, err := json.Marshal(rec)
		if err != nil {
			return entryRecord{}, err
		}
		created, err := s.kv.CompareAndSet(ctx, entryKey(id), nil, data, s.ttl)
		if err != nil {
			return entryRecord{}, fmt.Errorf("creating entry %s: %w", id, err)
		}
		if created {
			return rec, nil
		}
	}
}

func (s *Store) loadEntry(ctx context.Context, id string) (entryRecord, bool, error) {
	if id == "" {
		return entryRecord{}, false, ErrInvalidID
	}
	raw, ok, err := s.kv.Get(ctx, entryKey(id))
	if err != nil || !ok {
		return entryRecord{}, false, err
	}
	var rec entryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entryRecord{}, false, fmt.Errorf("decoding entry %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *Store) entryTTL(rec entryRecord) time.Duration {
	if rec.ReleasedAt != nil {
		return s.releaseTTL
	}
	return s.ttl
}

// refresh restarts the expiration of id after a write. Keys written without
// a ttl need no refresh.
func (s *Store) refresh(ctx context.Context, id string, ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	return s.touch(ctx, id, ttl)
}

// touch applies ttl to every key of id so the entry expires as a unit.
func (s *Store) touch(ctx context.Context, id string, ttl time.Duration) error {
	if _, err := s.kv.SetTTL(ctx, entryKey(id), ttl); err != nil {
		return err
	}
	children, err := s.kv.Keys(ctx, entryChildPrefix(id))
	if err != nil {
		return err
	}
	for _, key := range children {
		if _, err := s.kv.SetTTL(ctx, key, ttl); err != nil {
			return err
		}
	}
	return nil
}

func parseSize(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size record %q: %w", raw, err)
	}
	return n, nil
}

func formatSize(n int64) []byte {
	if n == 0 {
		return nil
	}
	return []byte(strconv.FormatInt(n, 10))
}
