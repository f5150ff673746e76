package storage

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdOptions configures the etcd connection.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// EtcdStore is a Store backed by etcd's key/value API.
type EtcdStore struct {
	kv     clientv3.KV
	client *clientv3.Client
}

// NewEtcdStore dials the cluster. The dial blocks until a connection is up
// or DialTimeout passes.
func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &EtcdStore{kv: cli, client: cli}, nil
}

// NewEtcdStoreFromKV wraps an existing KV. Close is then a no-op.
func NewEtcdStoreFromKV(kv clientv3.KV) *EtcdStore {
	return &EtcdStore{kv: kv}
}

// Get fetches key.
func (e *EtcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Set stores key.
func (e *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := e.kv.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (e *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := e.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key under prefix in one range delete.
func (e *EtcdStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, ErrEmptyKey
	}
	resp, err := e.kv.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd delete prefix %s: %w", prefix, err)
	}
	return int(resp.Deleted), nil
}

// Close closes the client connection.
func (e *EtcdStore) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
