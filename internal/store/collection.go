package store

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/pkg/errors"
)

// Store is the local persistence contract used by repositories.
type Store[T model.Entity] interface {
	Get(ctx context.Context, id string) (T, bool, error)
	List(ctx context.Context) ([]T, error)
	Observe(ctx context.Context) <-chan []T
	Save(ctx context.Context, items ...T) error
	Delete(ctx context.Context, ids ...string) error
	Replace(ctx context.Context, items []T) error
	DeleteWhere(ctx context.Context, match func(T) bool) (int, error)
}

// Collection is a Store backed by one bbolt bucket.
type Collection[T model.Entity] struct {
	db     *DB
	bucket string
}

var _ Store[model.Bus] = (*Collection[model.Bus])(nil)

// NewCollection opens the bucket named bucket, creating it if needed.
func NewCollection[T model.Entity](db *DB, bucket string) (*Collection[T], error) {
	if bucket == "" || bucket == syncBucket {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}
	if err := db.ensureBucket(bucket); err != nil {
		return nil, err
	}
	return &Collection[T]{db: db, bucket: bucket}, nil
}

func (c *Collection[T]) storeError(op string, err error) error {
	return errors.New(errors.CodeStore, "local store operation failed").
		WithComponent("store").
		WithOperation(op).
		WithDetail("bucket", c.bucket).
		WithCause(err)
}

// Get returns the item stored under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var item T
	var found bool

	if err := ctx.Err(); err != nil {
		return item, false, err
	}

	err := c.db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(c.bucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return item, false, c.storeError("get", err)
	}
	return item, found, nil
}

// List returns every item in key order.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]T, 0)
	err := c.db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(c.bucket)).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				c.db.logger.Warn("Skipping undecodable record",
					zap.String("bucket", c.bucket), zap.ByteString("key", k), zap.Error(err))
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, c.storeError("list", err)
	}
	return items, nil
}

// Save upserts items by key in a single transaction.
func (c *Collection[T]) Save(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.bucket))
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", item.Key(), err)
			}
			if err := b.Put([]byte(item.Key()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.storeError("save", err)
	}

	c.db.notify(c.bucket)
	return nil
}

// Delete removes the given keys. Missing keys are ignored.
func (c *Collection[T]) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.bucket))
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.storeError("delete", err)
	}

	c.db.notify(c.bucket)
	return nil
}

// Replace makes items the full content of the collection.
func (c *Collection[T]) Replace(ctx context.Context, items []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(items))
	for _, item := range items {
		keep[item.Key()] = struct{}{}
	}

	err := c.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.bucket))

		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", item.Key(), err)
			}
			if err := b.Put([]byte(item.Key()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.storeError("replace", err)
	}

	c.db.notify(c.bucket)
	return nil
}

// DeleteWhere removes every item match returns true for.
func (c *Collection[T]) DeleteWhere(ctx context.Context, match func(T) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err := c.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.bucket))

		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return nil
			}
			if match(item) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, c.storeError("delete_where", err)
	}

	if removed > 0 {
		c.db.notify(c.bucket)
	}
	return removed, nil
}

// Observe emits the current collection, then the full collection again
// after every committed change, until ctx is done. Bursts of changes may
// be coalesced into one emission.
func (c *Collection[T]) Observe(ctx context.Context) <-chan []T {
	out := make(chan []T)
	changed, unsubscribe := c.db.subscribe(c.bucket)

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			items, err := c.List(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.db.logger.Warn("Failed to list observed collection",
					zap.String("bucket", c.bucket), zap.Error(err))
			} else {
				select {
				case out <- items:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
