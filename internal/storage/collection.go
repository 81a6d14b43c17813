package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Collection is the set of documents of one kind, decoded as T.
type Collection[T any] struct {
	store *Store
	kind  string

	// one Merge at a time, so read-modify-write cycles never interleave
	mergeMu sync.Mutex
}

func NewCollection[T any](store *Store, kind string) *Collection[T] {
	return &Collection[T]{store: store, kind: kind}
}

// Load decodes the document for id. ok is false when it does not exist.
func (c *Collection[T]) Load(id string) (value T, ok bool, err error) {
	rec, ok, err := c.store.Fetch(c.kind, id)
	if err != nil || !ok {
		return value, false, err
	}
	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		return value, false, fmt.Errorf("decode %s/%s: %w", c.kind, id, err)
	}
	return value, true, nil
}

// Merge loads the document for id (or the zero value), lets fn modify it and
// stores the result.
func (c *Collection[T]) Merge(id string, fn func(*T)) (T, error) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	value, _, err := c.Load(id)
	if err != nil {
		return value, err
	}
	fn(&value)
	payload, err := json.Marshal(value)
	if err != nil {
		return value, fmt.Errorf("encode %s/%s: %w", c.kind, id, err)
	}
	_, err = c.store.Put(c.kind, id, payload)
	return value, err
}

// Values decodes every document, ordered by id.
func (c *Collection[T]) Values() ([]T, error) {
	recs, err := c.store.List(c.kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var value T
		if err := json.Unmarshal(rec.Payload, &value); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.kind, rec.ID, err)
		}
		out = append(out, value)
	}
	return out, nil
}

func (c *Collection[T]) Remove(id string) error { return c.store.Remove(c.kind, id) }
func (c *Collection[T]) Truncate() error        { return c.store.Truncate(c.kind) }
