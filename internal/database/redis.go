package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const documentKeyPrefix = "collab:doc:"

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisDocumentStore keeps each document's state in a hash with "state" and
// "updated_at" fields.
type RedisDocumentStore struct {
	client *redis.Client
}

func NewRedisDocumentStore(ctx context.Context, cfg RedisConfig) (*RedisDocumentStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisDocumentStore{client: client}, nil
}

func documentKey(documentId string) string {
	return documentKeyPrefix + documentId
}

func (r *RedisDocumentStore) GetDocumentState(ctx context.Context, documentId string) (DocumentState, error) {
	vals, err := r.client.HMGet(ctx, documentKey(documentId), "state", "updated_at").Result()
	if err != nil {
		return DocumentState{}, err
	}

	state, ok := vals[0].(string)
	if !ok {
		return DocumentState{}, ErrNotFound
	}

	ds := DocumentState{
		DocumentId: documentId,
		State:      []byte(state),
	}
	if ts, ok := vals[1].(string); ok {
		ds.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}

	return ds, nil
}

func (r *RedisDocumentStore) SaveDocumentState(ctx context.Context, documentId string, state []byte) error {
	return r.client.HSet(ctx, documentKey(documentId),
		"state", state,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (r *RedisDocumentStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisDocumentStore) Close() error {
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
