package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/haydov/importer/pkg/config"
	"github.com/haydov/importer/pkg/storage/objectstore"
)

// memStore serves objects from memory. Keys listed in failures return that
// error from Get; a body set in broken fails half way through the read.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string]error
	broken   map[string]bool
	gets     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		objects:  map[string][]byte{},
		failures: map[string]error{},
		broken:   map[string]bool{},
		gets:     map[string]int{},
	}
}

func (m *memStore) put(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = body
}

func (m *memStore) Get(_ context.Context, bucket, key string) (*objectstore.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := bucket + "/" + key
	m.gets[id]++
	if err := m.failures[id]; err != nil {
		return nil, err
	}
	body, ok := m.objects[id]
	if !ok {
		return nil, objectstore.ErrNotFound
	}

	var r io.Reader = bytes.NewReader(body)
	if m.broken[id] {
		r = io.MultiReader(bytes.NewReader(body[:len(body)/2]), errReader{errors.New("connection reset")})
	}
	return &objectstore.Object{Size: int64(len(body)), Body: io.NopCloser(r)}, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) getCount(bucket, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[bucket+"/"+key]
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

type fakeLauncher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLauncher) Launch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	id      string
	body    []byte
	acks    int
	nacks   int
	requeue bool
}

func (d *fakeDelivery) ID() string   { return d.id }
func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	d.nacks++
	d.requeue = requeue
	return nil
}

const peliasConfig = `{
  "logger": {"level": "info"},
  "imports": {
    "openstreetmap": {
      "download": [{"sourceURL": "https://example.com/planet.osm.pbf"}],
      "datapath": "/data",
      "import": [{"filename": "old.osm.pbf"}]
    },
    "whosonfirst": {"datapath": "/data/wof"}
  }
}`

type harness struct {
	store    *memStore
	launcher *fakeLauncher
	dir      string
	config   string
	batch    *Batch
	service  *Service
}

type harnessOption func(*Params, *DownloaderConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	root := t.TempDir()
	h := &harness{
		store:    newMemStore(),
		launcher: &fakeLauncher{},
		dir:      filepath.Join(root, "data"),
		config:   filepath.Join(root, "pelias.json"),
	}
	require.NoError(t, os.WriteFile(h.config, []byte(peliasConfig), 0o640))

	logger := zaptest.NewLogger(t)
	dcfg := DownloaderConfig{Dir: h.dir, PathMode: config.PathModeBasename}
	p := Params{ResetOnSentinel: true, Retry: RetryPolicy{Attempts: 1}, Logger: logger}
	for _, opt := range opts {
		opt(&p, &dcfg)
	}

	if p.Batch == nil {
		b, err := NewBatch("", false)
		require.NoError(t, err)
		p.Batch = b
	}
	h.batch = p.Batch
	p.Downloader = NewDownloader(h.store, dcfg, logger)
	p.Finalizer = NewFinalizer(h.config, "openstreetmap", h.launcher, logger)
	h.service = NewService(p)
	return h
}

func event(t *testing.T, bucket, key string, size int64) []byte {
	t.Helper()
	body, err := EncodeEvent(ObjectEvent{Bucket: bucket, Key: key, Size: size}, testTime)
	require.NoError(t, err)
	return body
}

func (h *harness) deliver(t *testing.T, bucket, key string) *fakeDelivery {
	t.Helper()
	d := &fakeDelivery{id: key, body: event(t, bucket, key, 0)}
	h.service.Handle(context.Background(), d)
	return d
}
