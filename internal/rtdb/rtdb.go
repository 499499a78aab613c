// Package rtdb is the real-time-database facade every uplink/downlink
// data-flow component depends on. The RTDB interface carries no concrete
// coupling; Memory and Net are interchangeable behind it.
package rtdb

import "context"

// RTDB is the key-value + hash + list + pub/sub contract every wire key in
// the RTDB wire contract is built against: plain string keys, hash fields,
// list push/pop, and pattern subscriptions.
type RTDB interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttlSeconds int) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashSet(ctx context.Context, key, field, value string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDel(ctx context.Context, key, field string) error

	ListPush(ctx context.Context, key, value string) error
	ListPop(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (<-chan Message, func(), error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// Message is a single pub/sub delivery: the concrete channel a pattern
// subscription matched, plus the payload published to it.
type Message struct {
	Channel string
	Payload []byte
}
