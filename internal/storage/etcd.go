package storage

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdBackend implements Backend on an etcd cluster. Every key lives under a
// fixed namespace prefix so one cluster can serve several coordinators.
type EtcdBackend struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdBackend connects to the given endpoints. prefix namespaces all
// keys, e.g. "/flock/".
func NewEtcdBackend(endpoints []string, prefix string) (*EtcdBackend, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdBackend{client: cli, prefix: prefix}, nil
}

func (e *EtcdBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := e.client.Put(ctx, e.prefix+key, string(value))
	return err
}

func (e *EtcdBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdBackend) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := e.client.Get(ctx, e.prefix+prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key[len(e.prefix):]))
	}
	return keys, nil
}

func (e *EtcdBackend) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, e.prefix+key)
	return err
}

// Close releases the etcd client connection.
func (e *EtcdBackend) Close() error {
	return e.client.Close()
}
