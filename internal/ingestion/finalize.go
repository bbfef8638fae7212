package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/buger/jsonparser"
	"go.uber.org/zap"
)

// Finalizer hands a completed batch to the downstream importer: it points
// imports.<source>.import of the importer's config at the batch files and
// then starts the import job.
type Finalizer struct {
	configPath string
	source     string
	launcher   Launcher
	logger     *zap.Logger
}

func NewFinalizer(configPath, source string, launcher Launcher, logger *zap.Logger) *Finalizer {
	if launcher == nil {
		launcher = NopLauncher{Logger: logger}
	}
	return &Finalizer{
		configPath: configPath,
		source:     source,
		launcher:   launcher,
		logger:     logger.Named("finalize"),
	}
}

type importEntry struct {
	Filename string `json:"filename"`
}

// Finalize rewrites the config for files and launches the job. Only the
// rewrite can fail it; a launch failure is logged and swallowed.
func (f *Finalizer) Finalize(ctx context.Context, files []string) error {
	if err := f.rewrite(files); err != nil {
		return err
	}
	f.logger.Info("downstream config updated",
		zap.String("path", f.configPath),
		zap.String("source", f.source),
		zap.Strings("files", files),
	)

	if err := f.launcher.Launch(ctx); err != nil {
		f.logger.Error("launch import job", zap.Error(err))
	}
	return nil
}

func (f *Finalizer) rewrite(files []string) error {
	info, err := os.Stat(f.configPath)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	doc, err := os.ReadFile(f.configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	patched, err := setImports(doc, f.source, files)
	if err != nil {
		return fmt.Errorf("%s: %w", f.configPath, err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, patched, "", "  "); err != nil {
		return fmt.Errorf("format config: %w", err)
	}
	out.WriteByte('\n')

	return writeFileAtomic(f.configPath, out.Bytes(), info.Mode().Perm())
}

// setImports replaces imports.<source>.import in doc, leaving every other
// key and its order untouched. The result is compacted.
func setImports(doc []byte, source string, files []string) ([]byte, error) {
	if !json.Valid(doc) {
		return nil, errors.New("config is not valid JSON")
	}

	_, typ, _, err := jsonparser.Get(doc, "imports", source)
	if err != nil {
		return nil, fmt.Errorf("imports.%s: %w", source, err)
	}
	if typ != jsonparser.Object {
		return nil, fmt.Errorf("imports.%s is %s, want object", source, typ)
	}

	entries := make([]importEntry, 0, len(files))
	for _, name := range files {
		entries = append(entries, importEntry{Filename: name})
	}
	value, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	patched, err := jsonparser.Set(doc, value, "imports", source, "import")
	if err != nil {
		return nil, fmt.Errorf("set imports.%s.import: %w", source, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, patched); err != nil {
		return nil, fmt.Errorf("patched config is not valid JSON: %w", err)
	}
	return compact.Bytes(), nil
}
