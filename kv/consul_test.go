package kv_test

import (
	"bytes"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"

	"github.com/wolfeidau/ephemeral/kv"
)

// fakeConsulKV is an in-memory stand-in for the consul KV endpoint with the
// same ModifyIndex check-and-set rules.
type fakeConsulKV struct {
	mu    sync.Mutex
	index uint64
	pairs map[string]*api.KVPair

	beforeDeleteCAS func(key string)
}

func newFakeConsulKV() *fakeConsulKV {
	return &fakeConsulKV{pairs: make(map[string]*api.KVPair)}
}

func (f *fakeConsulKV) Get(key string, _ *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pairs[key]
	if !ok {
		return nil, &api.QueryMeta{LastIndex: f.index}, nil
	}
	return clonePair(p), &api.QueryMeta{LastIndex: f.index}, nil
}

func (f *fakeConsulKV) List(prefix string, _ *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out api.KVPairs
	for k, p := range f.pairs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, clonePair(p))
		}
	}
	slices.SortFunc(out, func(a, b *api.KVPair) int { return strings.Compare(a.Key, b.Key) })
	return out, &api.QueryMeta{LastIndex: f.index}, nil
}

func (f *fakeConsulKV) Put(p *api.KVPair, _ *api.WriteOptions) (*api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(p)
	return &api.WriteMeta{}, nil
}

func (f *fakeConsulKV) CAS(p *api.KVPair, _ *api.WriteOptions) (bool, *api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.pairs[p.Key]
	switch {
	case p.ModifyIndex == 0 && ok:
		return false, &api.WriteMeta{}, nil
	case p.ModifyIndex != 0 && (!ok || current.ModifyIndex != p.ModifyIndex):
		return false, &api.WriteMeta{}, nil
	}
	f.set(p)
	return true, &api.WriteMeta{}, nil
}

func (f *fakeConsulKV) Delete(key string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pairs, key)
	return &api.WriteMeta{}, nil
}

func (f *fakeConsulKV) DeleteCAS(p *api.KVPair, _ *api.WriteOptions) (bool, *api.WriteMeta, error) {
	if f.beforeDeleteCAS != nil {
		f.beforeDeleteCAS(p.Key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.pairs[p.Key]
	if !ok || current.ModifyIndex != p.ModifyIndex {
		return false, &api.WriteMeta{}, nil
	}
	delete(f.pairs, p.Key)
	return true, &api.WriteMeta{}, nil
}

func (f *fakeConsulKV) DeleteTree(prefix string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.pairs {
		if strings.HasPrefix(k, prefix) {
			delete(f.pairs, k)
		}
	}
	return &api.WriteMeta{}, nil
}

// bump simulates a concurrent writer touching key.
func (f *fakeConsulKV) bump(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pairs[key]; ok {
		f.index++
		p.ModifyIndex = f.index
	}
}

func (f *fakeConsulKV) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.pairs))
	for k := range f.pairs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// set must be called with mu held.
func (f *fakeConsulKV) set(p *api.KVPair) {
	f.index++
	stored := clonePair(p)
	stored.ModifyIndex = f.index
	if existing, ok := f.pairs[p.Key]; ok {
		stored.CreateIndex = existing.CreateIndex
	} else {
		stored.CreateIndex = f.index
	}
	f.pairs[p.Key] = stored
}

func clonePair(p *api.KVPair) *api.KVPair {
	c := *p
	c.Value = bytes.Clone(p.Value)
	return &c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ kv.ConsulKV = (*fakeConsulKV)(nil)
