package objectstore

import (
	"bytes"
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process versioned store.
type Memory struct {
	opts Options

	mu      sync.RWMutex
	objects map[string][]*Object
	nextVer int
	puts    int
}

// NewMemory returns an empty Memory store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:    opts,
		objects: make(map[string][]*Object),
	}
}

func memoryKey(collection, key string) string {
	return collection + "\x00" + key
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, collection, key, version string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj := m.find(collection, key, version)
	m.mu.RUnlock()

	if obj == nil {
		return nil, notFound(collection, key, version)
	}

	data, err := m.opts.readLimited(bytes.NewReader(obj.Data), collection, key)
	if err != nil {
		return nil, err
	}

	return &Object{
		Data:        data,
		ContentType: obj.ContentType,
		Metadata:    cloneMetadata(obj.Metadata),
		Version:     obj.Version,
	}, nil
}

func (m *Memory) find(collection, key, version string) *Object {
	versions := m.objects[memoryKey(collection, key)]
	if len(versions) == 0 {
		return nil
	}
	if version == "" {
		return versions[len(versions)-1]
	}
	for _, obj := range versions {
		if obj.Version == version {
			return obj
		}
	}
	return nil
}

// Put implements Client. Each write creates a new version.
func (m *Memory) Put(ctx context.Context, collection, key string, obj *Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextVer++
	m.puts++
	k := memoryKey(collection, key)
	m.objects[k] = append(m.objects[k], &Object{
		Data:        bytes.Clone(obj.Data),
		ContentType: obj.ContentType,
		Metadata:    cloneMetadata(obj.Metadata),
		Version:     strconv.Itoa(m.nextVer),
	})
	return nil
}

// Stat implements Client.
func (m *Memory) Stat(ctx context.Context, collection, key string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj := m.find(collection, key, "")
	if obj == nil {
		return nil, notFound(collection, key, "")
	}
	return &Info{
		Size:        int64(len(obj.Data)),
		ContentType: obj.ContentType,
		Metadata:    cloneMetadata(obj.Metadata),
		Version:     obj.Version,
	}, nil
}

// Puts returns how many writes the store has accepted.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Versions returns how many versions exist at key.
func (m *Memory) Versions(collection, key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects[memoryKey(collection, key)])
}
