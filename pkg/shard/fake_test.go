package shard_test

import (
	"context"
	"sort"
	"sync"

	"github.com/shardlog/shardlog/pkg/shard"
)

type fakeRegistry struct {
	mu         sync.Mutex
	shards     map[string]map[shard.ShardID]shard.Properties
	failLookup error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{shards: make(map[string]map[shard.ShardID]shard.Properties)}
}

func (r *fakeRegistry) ShardExists(database string, id shard.ShardID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLookup != nil {
		return false, r.failLookup
	}
	_, ok := r.shards[database][id]
	return ok, nil
}

func (r *fakeRegistry) Shards(database string) ([]shard.ShardID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shard.ShardID, 0, len(r.shards[database]))
	for id := range r.shards[database] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *fakeRegistry) put(database string, id shard.ShardID, props shard.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shards[database] == nil {
		r.shards[database] = make(map[shard.ShardID]shard.Properties)
	}
	r.shards[database][id] = props
}

func (r *fakeRegistry) remove(database string, id shard.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards[database], id)
}

// fakeExecutor 记录调用次数并修改注册表
type fakeExecutor struct {
	database string
	registry *fakeRegistry

	mu         sync.Mutex
	creates    int
	drops      int
	modifies   int
	dirty      int
	failCreate error
	failDrop   map[shard.ShardID]error
}

func newFakeExecutor(database string, registry *fakeRegistry) *fakeExecutor {
	return &fakeExecutor{database: database, registry: registry, failDrop: make(map[shard.ShardID]error)}
}

func (e *fakeExecutor) ExecuteCreateCollection(_ context.Context, id shard.ShardID, _ shard.CollectionType, props shard.Properties) error {
	e.mu.Lock()
	e.creates++
	err := e.failCreate
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.registry.put(e.database, id, props)
	return nil
}

func (e *fakeExecutor) ExecuteDropCollection(_ context.Context, id shard.ShardID) error {
	e.mu.Lock()
	e.drops++
	err := e.failDrop[id]
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.registry.remove(e.database, id)
	return nil
}

func (e *fakeExecutor) ExecuteModifyCollection(_ context.Context, id shard.ShardID, _ shard.CollectionID, props shard.Properties) error {
	e.mu.Lock()
	e.modifies++
	e.mu.Unlock()
	e.registry.put(e.database, id, props)
	return nil
}

func (e *fakeExecutor) AddDirty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty++
}

type callCounts struct {
	creates, drops, modifies, dirty int
}

func (e *fakeExecutor) counts() callCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return callCounts{creates: e.creates, drops: e.drops, modifies: e.modifies, dirty: e.dirty}
}
