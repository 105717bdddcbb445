// The etcd-backed store keeps rules under /nova-rpc/config/{group}/{key}.
// Listeners ride etcd's server-push Watch API; on any event the raw
// payload is delivered as a ChangeEvent, so pollers are never needed.
package config

import (
	"context"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"nova-rpc/logger"
)

// EtcdConfiguration implements DynamicConfiguration on etcd v3.
type EtcdConfiguration struct {
	client *clientv3.Client
	log    interface{ Warnf(string, ...any) }

	mu      sync.Mutex
	watches map[string]*keyWatch
}

type keyWatch struct {
	cancel    context.CancelFunc
	listeners []Listener
}

// NewEtcdConfiguration connects to the given etcd endpoints.
func NewEtcdConfiguration(endpoints []string) (*EtcdConfiguration, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("connect config store: %w", err)
	}
	return &EtcdConfiguration{
		client:  c,
		log:     logger.New("config.etcd"),
		watches: make(map[string]*keyWatch),
	}, nil
}

func rulePath(group, key string) string {
	return "/nova-rpc/config/" + group + "/" + key
}

// GetRule fetches the current raw rule, "" when the key is absent.
func (c *EtcdConfiguration) GetRule(key, group string) (string, error) {
	resp, err := c.client.Get(context.TODO(), rulePath(group, key))
	if err != nil {
		return "", fmt.Errorf("get rule %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// AddListener subscribes a listener to pushes for one rule key. The
// first listener on a key starts the backing etcd watch.
func (c *EtcdConfiguration) AddListener(key string, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &keyWatch{cancel: cancel}
		c.watches[key] = w
		go c.watchLoop(ctx, key)
	}
	for _, existing := range w.listeners {
		if existing == l {
			return nil
		}
	}
	w.listeners = append(w.listeners, l)
	return nil
}

// RemoveListener detaches a listener; the last removal stops the watch.
func (c *EtcdConfiguration) RemoveListener(key string, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[key]
	if !ok {
		return nil
	}
	for i, existing := range w.listeners {
		if existing == l {
			w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
			break
		}
	}
	if len(w.listeners) == 0 {
		w.cancel()
		delete(c.watches, key)
	}
	return nil
}

func (c *EtcdConfiguration) watchLoop(ctx context.Context, key string) {
	path := rulePath(DefaultGroup, key)
	watchChan := c.client.Watch(ctx, path)
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			c.log.Warnf("watch %s: %v", path, err)
			continue
		}
		for _, ev := range resp.Events {
			event := ChangeEvent{Key: key}
			switch {
			case ev.Type == clientv3.EventTypeDelete:
				event.Type = EventDeleted
			case ev.IsCreate():
				event.Type = EventAdded
				event.Value = string(ev.Kv.Value)
			default:
				event.Type = EventModified
				event.Value = string(ev.Kv.Value)
			}
			c.dispatch(key, event)
		}
	}
}

func (c *EtcdConfiguration) dispatch(key string, event ChangeEvent) {
	c.mu.Lock()
	var ls []Listener
	if w, ok := c.watches[key]; ok {
		ls = append(ls, w.listeners...)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l.Process(event)
	}
}

// Close cancels every watch and releases the client connection.
func (c *EtcdConfiguration) Close() error {
	c.mu.Lock()
	for key, w := range c.watches {
		w.cancel()
		delete(c.watches, key)
	}
	c.mu.Unlock()
	return c.client.Close()
}

var _ DynamicConfiguration = (*EtcdConfiguration)(nil)
