package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key/value bucket holding credential entries.
const DefaultBucket = "ADMISSION_CREDENTIALS"

// natsKV is a Cache backed by a JetStream key/value bucket, shared by every
// service instance connected to the same NATS cluster.
type natsKV struct {
	kv nats.KeyValue
}

// NewNATS binds (or creates) the bucket on nc. Entries expire after ttl.
// JetStream API calls are bounded by timeout through the context's MaxWait.
func NewNATS(nc *nats.Conn, bucket string, ttl, timeout time.Duration) (Cache, error) {
	opts := []nats.JSOpt{}
	if timeout > 0 {
		opts = append(opts, nats.MaxWait(timeout))
	}
	js, err := nc.JetStream(opts...)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "advisory credential cache",
			TTL:         ttl,
			History:     1,
			Storage:     nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("binding key/value bucket %s: %w", bucket, err)
	}
	return &natsKV{kv: kv}, nil
}

// do runs fn but returns early when ctx ends first; the JetStream call itself
// is bounded by MaxWait so the goroutine cannot leak past it.
func do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (n *natsKV) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := do(ctx, func() (nats.KeyValueEntry, error) { return n.kv.Get(key) })
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return e.Value(), nil
}

func (n *natsKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := do(ctx, func() (uint64, error) { return n.kv.Put(key, value) })
	return err
}

func (n *natsKV) Delete(ctx context.Context, key string) error {
	_, err := do(ctx, func() (struct{}, error) { return struct{}{}, n.kv.Delete(key) })
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrMiss
	}
	return err
}
