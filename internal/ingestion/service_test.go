package ingestion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haydov/importer/pkg/config"
)

func importList(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Imports map[string]struct {
			Import []importEntry `json:"import"`
		} `json:"imports"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	var names []string
	for _, e := range doc.Imports["openstreetmap"].Import {
		names = append(names, e.Filename)
	}
	return names
}

func TestService_BatchThenSentinel(t *testing.T) {
	h := newHarness(t)
	h.store.put("osm", "a/1.osm.pbf", []byte("one"))
	h.store.put("osm", "a/2.osm.pbf", []byte("two"))
	h.store.put("osm", "a/__done__", nil)

	d1 := h.deliver(t, "osm", "a/1.osm.pbf")
	d2 := h.deliver(t, "osm", "a/2.osm.pbf")
	assert.Equal(t, []string{"1.osm.pbf", "2.osm.pbf"}, h.service.Files())

	d3 := h.deliver(t, "osm", "a/__done__")

	for _, d := range []*fakeDelivery{d1, d2, d3} {
		assert.Equal(t, 1, d.acks, d.id)
		assert.Zero(t, d.nacks, d.id)
	}
	assert.FileExists(t, filepath.Join(h.dir, "1.osm.pbf"))
	assert.FileExists(t, filepath.Join(h.dir, "2.osm.pbf"))
	assert.NoFileExists(t, filepath.Join(h.dir, "__done__"))
	assert.Equal(t, []string{"1.osm.pbf", "2.osm.pbf"}, importList(t, h.config))
	assert.Equal(t, 1, h.launcher.count())
	assert.Empty(t, h.service.Files())
}

func TestService_FetchFailureNacksAndKeepsBatch(t *testing.T) {
	h := newHarness(t)
	h.store.put("osm", "a/1.osm.pbf", []byte("one"))
	h.store.failures["osm/a/2.osm.pbf"] = assert.AnError

	d1 := h.deliver(t, "osm", "a/1.osm.pbf")
	d2 := h.deliver(t, "osm", "a/2.osm.pbf")

	assert.Equal(t, 1, d1.acks)
	assert.Zero(t, d2.acks)
	assert.Equal(t, 1, d2.nacks)
	assert.False(t, d2.requeue)
	assert.Equal(t, []string{"1.osm.pbf"}, h.service.Files())
	assert.FileExists(t, filepath.Join(h.dir, "1.osm.pbf"))
	assert.NoFileExists(t, filepath.Join(h.dir, "2.osm.pbf"))
}

func TestService_ImportListFollowsArrivalOrder(t *testing.T) {
	tests := []struct {
		name   string
		unique bool
		keys   []string
		want   []string
	}{
		{
			name: "distinct files",
			keys: []string{"x/1.osm.pbf", "y/2.osm.pbf", "z/3.osm.pbf"},
			want: []string{"1.osm.pbf", "2.osm.pbf", "3.osm.pbf"},
		},
		{
			name: "repeated basename from another prefix",
			keys: []string{"x/1.osm.pbf", "y/2.osm.pbf", "z/1.osm.pbf", "w/3.osm.pbf"},
			want: []string{"1.osm.pbf", "2.osm.pbf", "1.osm.pbf", "3.osm.pbf"},
		},
		{
			name: "redelivered key",
			keys: []string{"a/1.osm.pbf", "a/2.osm.pbf", "a/1.osm.pbf"},
			want: []string{"1.osm.pbf", "2.osm.pbf", "1.osm.pbf"},
		},
		{
			name:   "unique mode keeps latest position",
			unique: true,
			keys:   []string{"x/1.osm.pbf", "y/2.osm.pbf", "z/1.osm.pbf", "w/3.osm.pbf"},
			want:   []string{"2.osm.pbf", "1.osm.pbf", "3.osm.pbf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(p *Params, _ *DownloaderConfig) {
				b, err := NewBatch("", tt.unique)
				require.NoError(t, err)
				p.Batch = b
			})
			for _, key := range tt.keys {
				h.store.put("osm", key, []byte(key))
			}
			h.store.put("osm", "done/__done__", nil)

			for _, key := range tt.keys {
				require.Equal(t, 1, h.deliver(t, "osm", key).acks, key)
			}
			require.Equal(t, 1, h.deliver(t, "osm", "done/__done__").acks)

			assert.Equal(t, tt.want, importList(t, h.config))
			assert.Equal(t, 1, h.launcher.count())
		})
	}
}

func TestService_SameBasenameLastWriteWins(t *testing.T) {
	h := newHarness(t)
	h.store.put("osm", "a/1.osm.pbf", []byte("first"))
	h.store.put("osm", "b/1.osm.pbf", []byte("second"))

	h.deliver(t, "osm", "a/1.osm.pbf")
	h.deliver(t, "osm", "b/1.osm.pbf")

	assert.Equal(t, []string{"1.osm.pbf", "1.osm.pbf"}, h.service.Files())
	got, err := os.ReadFile(filepath.Join(h.dir, "1.osm.pbf"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestService_ParseFailureNacks(t *testing.T) {
	h := newHarness(t)

	d := &fakeDelivery{id: "bad", body: []byte("not json")}
	h.service.Handle(context.Background(), d)

	assert.Zero(t, d.acks)
	assert.Equal(t, 1, d.nacks)
	assert.False(t, d.requeue)
	assert.Empty(t, h.service.Files())
}

func TestService_BucketFilter(t *testing.T) {
	h := newHarness(t, func(p *Params, _ *DownloaderConfig) { p.Bucket = "osm" })
	h.store.put("other", "1.osm.pbf", []byte("x"))

	d := h.deliver(t, "other", "1.osm.pbf")

	assert.Equal(t, 1, d.nacks)
	assert.Zero(t, h.store.getCount("other", "1.osm.pbf"))
}

func TestService_ConfigRewriteFailureNacksAndKeepsBatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte(`{"imports":{}}`), 0o640))
	h.store.put("osm", "1.osm.pbf", []byte("one"))
	h.store.put("osm", "__done__", nil)

	h.deliver(t, "osm", "1.osm.pbf")
	d := h.deliver(t, "osm", "__done__")

	assert.Zero(t, d.acks)
	assert.Equal(t, 1, d.nacks)
	assert.Zero(t, h.launcher.count())
	assert.Equal(t, []string{"1.osm.pbf"}, h.service.Files())

	res, err := h.service.Process(context.Background(), "retry", event(t, "osm", "__done__", 0))
	require.ErrorIs(t, err, ErrConfigRewrite)
	assert.True(t, res.Sentinel)
}

func TestService_LaunchFailureStillAcks(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = assert.AnError
	h.store.put("osm", "__done__", nil)

	d := h.deliver(t, "osm", "__done__")

	assert.Equal(t, 1, d.acks)
	assert.Equal(t, 1, h.launcher.count())
}

func TestService_SentinelOnEmptyBatch(t *testing.T) {
	h := newHarness(t)
	h.store.put("osm", "__done__", nil)

	d := h.deliver(t, "osm", "__done__")

	assert.Equal(t, 1, d.acks)
	assert.Empty(t, importList(t, h.config))
	assert.Equal(t, 1, h.launcher.count())
}

func TestService_WithoutResetBatchAccumulates(t *testing.T) {
	h := newHarness(t, func(p *Params, _ *DownloaderConfig) { p.ResetOnSentinel = false })
	h.store.put("osm", "1.osm.pbf", []byte("one"))
	h.store.put("osm", "2.osm.pbf", []byte("two"))
	h.store.put("osm", "__done__", nil)

	h.deliver(t, "osm", "1.osm.pbf")
	h.deliver(t, "osm", "__done__")
	h.deliver(t, "osm", "2.osm.pbf")
	h.deliver(t, "osm", "__done__")

	assert.Equal(t, []string{"1.osm.pbf", "2.osm.pbf"}, importList(t, h.config))
	assert.Equal(t, 2, h.launcher.count())
}

func TestService_BatchStateSurvivesRestart(t *testing.T) {
	state := filepath.Join(t.TempDir(), "batch.json")
	withState := func(p *Params, _ *DownloaderConfig) {
		b, err := NewBatch(state, false)
		require.NoError(t, err)
		p.Batch = b
	}

	first := newHarness(t, withState)
	first.store.put("osm", "1.osm.pbf", []byte("one"))
	first.deliver(t, "osm", "1.osm.pbf")

	second := newHarness(t, withState)
	assert.Equal(t, []string{"1.osm.pbf"}, second.service.Files())
}

func TestService_PreserveModeRecordsRelativePath(t *testing.T) {
	h := newHarness(t, func(_ *Params, d *DownloaderConfig) { d.PathMode = config.PathModePreserve })
	h.store.put("osm", "a/1.osm.pbf", []byte("one"))
	h.store.put("osm", "a/__done__", nil)

	h.deliver(t, "osm", "a/1.osm.pbf")
	h.deliver(t, "osm", "a/__done__")

	assert.FileExists(t, filepath.Join(h.dir, "a", "1.osm.pbf"))
	assert.Equal(t, []string{"a/1.osm.pbf"}, importList(t, h.config))
}

func TestService_RetriesTransientFetch(t *testing.T) {
	h := newHarness(t, func(p *Params, _ *DownloaderConfig) {
		p.Retry = RetryPolicy{Attempts: 3, BaseDelay: 1, MaxDelay: 1}
	})
	h.store.put("osm", "1.osm.pbf", []byte("one"))
	h.store.broken["osm/1.osm.pbf"] = true

	d := h.deliver(t, "osm", "1.osm.pbf")

	assert.Equal(t, 1, d.nacks)
	assert.Equal(t, 3, h.store.getCount("osm", "1.osm.pbf"))
}

func TestService_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(p *Params, _ *DownloaderConfig) { p.Metrics = NewMetrics(reg) })
	h.store.put("osm", "1.osm.pbf", []byte("one"))
	h.store.put("osm", "__done__", nil)

	h.deliver(t, "osm", "1.osm.pbf")
	h.deliver(t, "osm", "missing.osm.pbf")
	h.deliver(t, "osm", "__done__")

	m := h.service.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues(outcomeAcked, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(outcomeNacked, string(StageFetch))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.downloadedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finalizations.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.batchFiles))
}
