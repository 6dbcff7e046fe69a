package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/procq/internal/process"
)

// Built-in kind names.
const (
	KindSleep = "sleep"
	KindKVSet = "kv.set"
	KindFail  = "fail"
)

// maxSleep bounds the duration a sleep process may request.
const maxSleep = time.Hour

// KV is an in-memory key-value store mutated by kv.set processes.
type KV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewKV creates an empty store.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (kv *KV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

// Set stores value under key.
func (kv *KV) Set(key, value string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
}

// Delete removes key.
func (kv *KV) Delete(key string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
}

// Snapshot returns a copy of every key.
func (kv *KV) Snapshot() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return maps.Clone(kv.data)
}

// RegisterBuiltins registers the sleep, kv.set and fail kinds.
func RegisterBuiltins(c *Catalog, kv *KV) {
	c.Register(KindInfo{
		Name:        KindSleep,
		Description: "Sleeps for the given duration. Not undoable.",
	}, newSleep)
	c.Register(KindInfo{
		Name:        KindKVSet,
		Description: "Sets a key; undo restores the previous value.",
		Undoable:    true,
	}, func(name string, params json.RawMessage) (process.Process, error) {
		return newKVSet(kv, name, params)
	})
	c.Register(KindInfo{
		Name:        KindFail,
		Description: "Always fails with the given message.",
	}, newFail)
}

type sleepParams struct {
	Duration string `json:"duration"`
}

type sleepProcess struct {
	name string
	d    time.Duration
}

func newSleep(name string, raw json.RawMessage) (process.Process, error) {
	var p sleepParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("parse duration: %w", err)
	}
	if d < 0 || d > maxSleep {
		return nil, fmt.Errorf("duration %s out of range [0, %s]", d, maxSleep)
	}
	return &sleepProcess{name: name, d: d}, nil
}

func (s *sleepProcess) Name() string { return s.name }

func (s *sleepProcess) Run(ctx context.Context) error {
	t := time.NewTimer(s.d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type kvSetParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// kvSetProcess captures (key, previous value, existed) while running.
type kvSetProcess struct {
	process.Params

	kv    *KV
	name  string
	key   string
	value string
}

func newKVSet(kv *KV, name string, raw json.RawMessage) (process.Process, error) {
	var p kvSetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.Key == "" {
		return nil, errors.New("key is required")
	}
	return &kvSetProcess{kv: kv, name: name, key: p.Key, value: p.Value}, nil
}

func (k *kvSetProcess) Name() string { return k.name }

func (k *kvSetProcess) Run(context.Context) error {
	prev, existed := k.kv.Get(k.key)
	k.Set(k.key, prev, existed)
	k.kv.Set(k.key, k.value)
	return nil
}

func (k *kvSetProcess) Undo(_ context.Context, params []any) error {
	if len(params) != 3 {
		return fmt.Errorf("kv.set undo: want 3 parameters, got %d", len(params))
	}
	key, ok1 := params[0].(string)
	prev, ok2 := params[1].(string)
	existed, ok3 := params[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return errors.New("kv.set undo: malformed parameters")
	}
	if existed {
		k.kv.Set(key, prev)
	} else {
		k.kv.Delete(key)
	}
	return nil
}

type failParams struct {
	Message string `json:"message"`
}

type failProcess struct {
	name string
	msg  string
}

func newFail(name string, raw json.RawMessage) (process.Process, error) {
	var p failParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.Message == "" {
		p.Message = "process failed"
	}
	return &failProcess{name: name, msg: p.Message}, nil
}

func (f *failProcess) Name() string { return f.name }

func (f *failProcess) Run(context.Context) error {
	return errors.New(f.msg)
}
