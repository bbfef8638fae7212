package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haydov/importer/pkg/config"
	"github.com/haydov/importer/pkg/storage/objectstore"
)

// Download is the result of fetching one object.
type Download struct {
	// Sentinel is set for zero-length objects. Nothing is written for them.
	Sentinel bool
	// Name is what goes into the batch: the basename, or the cleaned key in
	// preserve mode.
	Name     string
	Path     string
	Bytes    int64
	Duration time.Duration
}

// Downloader streams objects into a local directory.
type Downloader struct {
	store        objectstore.Client
	dir          string
	mode         string
	fetchTimeout time.Duration
	logger       *zap.Logger
}

type DownloaderConfig struct {
	Dir          string
	PathMode     string
	FetchTimeout time.Duration
}

func NewDownloader(store objectstore.Client, cfg DownloaderConfig, logger *zap.Logger) *Downloader {
	if cfg.PathMode == "" {
		cfg.PathMode = config.PathModeBasename
	}
	return &Downloader{
		store:        store,
		dir:          cfg.Dir,
		mode:         cfg.PathMode,
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger.Named("download"),
	}
}

// Fetch downloads the object named by ev. An existing file with the same
// name is replaced only once the new content is complete.
func (d *Downloader) Fetch(ctx context.Context, ev ObjectEvent) (Download, error) {
	if d.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	obj, err := d.store.Get(ctx, ev.Bucket, ev.Key)
	if err != nil {
		return Download{}, stageError(StageFetch, ev, err)
	}
	defer obj.Body.Close()

	if obj.Size == 0 {
		return Download{Sentinel: true, Duration: time.Since(start)}, nil
	}

	name, err := d.localName(ev.Key)
	if err != nil {
		return Download{}, stageError(StageWrite, ev, err)
	}
	dst := filepath.Join(d.dir, filepath.FromSlash(name))

	n, err := d.write(dst, obj)
	if err != nil {
		return Download{}, stageError(stageFor(err), ev, err)
	}

	d.logger.Debug("object written",
		zap.String("bucket", ev.Bucket),
		zap.String("key", ev.Key),
		zap.String("path", dst),
		zap.Int64("bytes", n),
	)
	return Download{Name: name, Path: dst, Bytes: n, Duration: time.Since(start)}, nil
}

// readError marks failures on the object stream as opposed to the local disk.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func stageFor(err error) Stage {
	var re *readError
	if errors.As(err, &re) {
		return StageFetch
	}
	return StageWrite
}

func (d *Downloader) write(dst string, obj *objectstore.Object) (n int64, err error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	src := &trackingReader{r: obj.Body}
	n, err = io.Copy(tmp, src)
	if src.err != nil {
		return n, &readError{fmt.Errorf("read object: %w", src.err)}
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if obj.Size > 0 && n != obj.Size {
		return n, &readError{fmt.Errorf("short read: got %d of %d bytes", n, obj.Size)}
	}

	if err = tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return n, fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("rename to %s: %w", dst, err)
	}
	return n, nil
}

func (d *Downloader) localName(key string) (string, error) {
	if d.mode == config.PathModePreserve {
		for _, seg := range strings.Split(key, "/") {
			if seg == ".." {
				return "", fmt.Errorf("key %q escapes the local directory", key)
			}
		}
		rel := strings.TrimLeft(path.Clean("/"+key), "/")
		if rel == "" {
			return "", fmt.Errorf("key %q has no file name", key)
		}
		return rel, nil
	}

	base := path.Base(key)
	if base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("key %q has no file name", key)
	}
	return base, nil
}
