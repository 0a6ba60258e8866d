package transient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/ephemeral"
	"github.com/wolfeidau/ephemeral/backend"
	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/telemetry"
)

// GCResult contains the results of one GC run over a store.
type GCResult struct {
	Store            string        `json:"store"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ExpiredKeysSwept int           `json:"expired_keys_swept"`
	ContentScanned   int           `json:"content_scanned"`
	OrphansDeleted   int           `json:"orphans_deleted"`
	BytesReclaimed   int64         `json:"bytes_reclaimed"`
	StorageSize      int64         `json:"storage_size"`
	SizeCorrection   int64         `json:"size_correction"`
	Errors           []string      `json:"errors,omitempty"`
}

// GC deletes blob content that no existing entry references and reconciles
// the storage size with the sizes of the entries that survive. Content
// written while GC runs is never deleted: candidates are re-checked against
// a reference set rebuilt with writers excluded, and payloads written after
// that rebuild are pinned until the run ends. Running GC twice without
// intervening writes changes nothing the second time.
func (s *Store) GC(ctx context.Context) (*GCResult, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	result := &GCResult{Store: s.name, StartedAt: s.now()}

	s.phaseSweepExpired(ctx, result)

	candidates, err := s.phaseFindCandidates(ctx, result)
	if err != nil {
		return nil, err
	}
	if err := s.phaseDeleteUnreferenced(ctx, candidates, result); err != nil {
		return nil, err
	}
	if err := s.phaseReconcileSize(ctx, result); err != nil {
		return nil, err
	}

	result.Duration = s.now().Sub(result.StartedAt)
	telemetry.RecordStorageSize(ctx, s.name, result.StorageSize)

	s.logger.Debug("transient gc completed",
		"store", s.name,
		"content_scanned", result.ContentScanned,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"size_correction", result.SizeCorrection,
		"errors", len(result.Errors),
	)
	return result, nil
}

// phaseSweepExpired purges expired kv records when the provider supports it.
func (s *Store) phaseSweepExpired(ctx context.Context, result *GCResult) {
	sw, ok := s.kv.(kv.Sweeper)
	if !ok {
		return
	}
	n, err := sw.Sweep(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep expired keys: %v", err))
		s.logger.Warn("failed to sweep expired keys", "store", s.name, "error", err)
		return
	}
	result.ExpiredKeysSwept = n
}

// phaseFindCandidates lists stored content and keeps the payloads that no
// entry references right now.
func (s *Store) phaseFindCandidates(ctx context.Context, result *GCResult) (map[ephemeral.Hash]string, error) {
	keys, err := s.content.List(ctx, ephemeral.ContentPrefix+"/")
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}
	result.ContentScanned = len(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	live, err := s.liveSet(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.gcGrace)
	candidates := make(map[ephemeral.Hash]string)
	for _, key := range keys {
		h, err := ephemeral.ParseContentKey(key)
		if err != nil {
			continue
		}
		if _, referenced := live[h]; referenced {
			continue
		}
		if s.gcGrace > 0 {
			info, err := s.content.Stat(ctx, key)
			if err != nil || info.ModTime.After(cutoff) {
				continue
			}
		}
		candidates[h] = key
	}
	return candidates, nil
}

// phaseDeleteUnreferenced deletes candidates that are still unreferenced.
// The reference set is rebuilt once with writers excluded; after that each
// payload is deleted under a short exclusive lock, skipping payloads that
// writers pinned since the rebuild.
func (s *Store) phaseDeleteUnreferenced(ctx context.Context, candidates map[ephemeral.Hash]string, result *GCResult) error {
	if len(candidates) == 0 {
		return nil
	}

	s.refMu.Lock()
	live, err := s.liveSet(ctx)
	if err == nil {
		s.setPins(make(map[ephemeral.Hash]struct{}))
	}
	s.refMu.Unlock()
	if err != nil {
		return err
	}
	defer s.setPins(nil)

	for h, key := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, referenced := live[h]; referenced {
			continue
		}

		var size int64
		if info, err := s.content.Stat(ctx, key); err == nil {
			size = info.Size
		}

		deleted, err := s.deleteUnpinned(ctx, h, key)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete content %s: %v", key, err))
			s.logger.Error("failed to delete unreferenced content", "store", s.name, "key", key, "error", err)
			continue
		}
		if !deleted {
			continue
		}
		result.OrphansDeleted++
		result.BytesReclaimed += size
		s.logger.Debug("deleted unreferenced content", "store", s.name, "hash", h.ShortString(), "size", size)
	}
	return nil
}

// deleteUnpinned deletes the payload h unless a writer pinned it.
func (s *Store) deleteUnpinned(ctx context.Context, h ephemeral.Hash, key string) (bool, error) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if s.pinned(h) {
		return false, nil
	}
	if err := s.content.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// phaseReconcileSize resets the storage size to the sum of the sizes of
// the existing entries, correcting drift left by expired entries.
func (s *Store) phaseReconcileSize(ctx context.Context, result *GCResult) error {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	recorded, actual, err := s.reconcileSize(ctx)
	if err != nil {
		return err
	}
	if recorded != actual {
		result.SizeCorrection = actual - recorded
	}
	result.StorageSize = actual
	return nil
}

// liveSet returns the digests referenced by existing entries.
func (s *Store) liveSet(ctx context.Context) (map[ephemeral.Hash]struct{}, error) {
	ids, err := s.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[ephemeral.Hash]struct{})
	for _, id := range ids {
		data, ok, err := s.kv.Get(ctx, blobsKey(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		blobs, err := decodeBlobs(data)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", id, err)
		}
		for _, b := range blobs {
			live[b.Digest.Hash] = struct{}{}
		}
	}
	return live, nil
}
