package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/logger"
)

// FileSink appends events as JSON lines to one file per device and day.
type FileSink struct {
	basePath string
	mu       sync.Mutex
}

// NewFileSink creates the base directory.
func NewFileSink(basePath string) (*FileSink, error) {
	// make dir
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %v", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileSink{
		basePath: basePath,
	}, nil
}

// Path returns the file events of deviceID at ts are written to.
func (fs *FileSink) Path(deviceID string, ts time.Time) string {
	return filepath.Join(fs.basePath, safeName(deviceID), ts.Format("20060102")+".jsonl")
}

// Store appends ev to the device's file.
func (fs *FileSink) Store(_ context.Context, ev device.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	filename := fs.Path(ev.DeviceID, ts)

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize event failed: %v", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %v", filepath.Dir(filename), err)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %v", filename, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write file %s failed: %v", filename, err)
	}

	logger.Debug("has stored event to file: %s", filename)
	return nil
}

// Close implements Sink
func (fs *FileSink) Close() error {
	return nil
}

// safeName keeps device ids usable as a single path element.
func safeName(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			out[i] = '_'
		}
	}
	name := string(out)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
