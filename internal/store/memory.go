package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store for dev and tests. A single mutex gives it
// the same atomicity the Postgres implementation gets from SQL statements.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // collection -> id -> doc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) collection(name string) map[string][]byte {
	c, ok := m.data[name]
	if !ok {
		c = make(map[string][]byte)
		m.data[name] = c
	}
	return c
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[collection][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return Doc{ID: id, Data: append([]byte(nil), data...)}, nil
}

func (m *Memory) Query(ctx context.Context, collection string, wheres ...Where) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data[collection]))
	for id := range m.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var docs []Doc
	for _, id := range ids {
		data := m.data[collection][id]
		if matches(data, wheres) {
			docs = append(docs, Doc{ID: id, Data: append([]byte(nil), data...)})
		}
	}
	return docs, nil
}

func matches(data []byte, wheres []Where) bool {
	if len(wheres) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, w := range wheres {
		switch w.Op {
		case OpEqual:
			s, ok := doc[w.Field].(string)
			if !ok || s != w.Value {
				return false
			}
		case OpArrayContains:
			arr, ok := doc[w.Field].([]any)
			if !ok {
				return false
			}
			found := false
			for _, v := range arr {
				if s, ok := v.(string); ok && s == w.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	if _, ok := c[id]; ok {
		return ErrAlreadyExists
	}
	c[id] = data
	return nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = data
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(collection, id, fields)
}

func (m *Memory) mergeLocked(collection, id string, fields map[string]any) error {
	data, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.data[collection][id] = merged
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}

func (m *Memory) ArrayUnion(ctx context.Context, collection, id, field, value string, fields map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	data, ok := c[id]
	if !ok {
		doc := map[string]any{field: []string{value}}
		for k, v := range fields {
			doc[k] = v
		}
		created, err := json.Marshal(doc)
		if err != nil {
			return false, err
		}
		c[id] = created
		return true, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	arr, _ := doc[field].([]any)
	for _, v := range arr {
		if s, ok := v.(string); ok && s == value {
			return false, nil // already present, strict no-op
		}
	}
	doc[field] = append(arr, value)
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	c[id] = merged
	return true, nil
}

func (m *Memory) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	data, ok := c[id]
	if !ok {
		created, err := json.Marshal(map[string]any{field: delta})
		if err != nil {
			return 0, err
		}
		c[id] = created
		return delta, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	cur, _ := doc[field].(float64)
	next := int64(cur) + delta
	doc[field] = next
	merged, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	c[id] = merged
	return next, nil
}

func (m *Memory) Batch() Batch {
	return &memBatch{store: m}
}

type memBatch struct {
	store *Memory
	ops   []batchOp
}

func (b *memBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, fields: fields})
}

func (b *memBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

// Commit applies every staged op under one lock. Update targets are checked
// before anything mutates so a missing document aborts the whole batch.
func (b *memBatch) Commit(ctx context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.kind == "update" {
			if _, ok := b.store.data[op.collection][op.id]; !ok {
				return ErrNotFound
			}
		}
	}
	for _, op := range b.ops {
		switch op.kind {
		case "update":
			if err := b.store.mergeLocked(op.collection, op.id, op.fields); err != nil {
				return err
			}
		case "delete":
			delete(b.store.data[op.collection], op.id)
		}
	}
	return nil
}
