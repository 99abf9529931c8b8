package builds

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"grape/models"
	"grape/pkg/events"
	"grape/pkg/extractor"
	"grape/pkg/registry"
	"grape/pkg/storage"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) statuses(id string) []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Status
	for _, e := range r.events {
		if e.ProjectID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

type fixture struct {
	projects  *registry.Memory
	archives  *storage.DiskStore
	events    *recordingPublisher
	sources   string
	artifacts string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	archives, err := storage.NewDiskStore(filepath.Join(root, "archives"))
	require.NoError(t, err)

	return &fixture{
		projects:  registry.NewMemory(),
		archives:  archives,
		events:    &recordingPublisher{},
		sources:   filepath.Join(root, "sources"),
		artifacts: filepath.Join(root, "deploy"),
	}
}

func (f *fixture) orchestrator(t *testing.T, runner Runner, timeout time.Duration) *Orchestrator {
	t.Helper()

	o, err := NewOrchestrator(
		f.projects,
		f.archives,
		extractor.New(extractor.Options{}),
		runner,
		f.events,
		testLogger(),
		OrchestratorConfig{
			SourcesPath:   f.sources,
			ArtifactsPath: f.artifacts,
			Timeout:       timeout,
			FlushInterval: 20 * time.Millisecond,
		},
	)
	require.NoError(t, err)
	return o
}

// queue stores archive and records a queued project for it.
func (f *fixture) queue(t *testing.T, id string, archive []byte) {
	t.Helper()
	ctx := context.Background()

	_, err := f.archives.Put(ctx, id, bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)

	require.NoError(t, f.projects.Create(ctx, &models.Project{
		ID:         id,
		OwnerID:    "alice",
		Name:       "site " + id,
		Status:     models.StatusQueued,
		RoutingKey: models.RoutingKeyFor(id, "grape.ai"),
	}))
}

func (f *fixture) project(t *testing.T, id string) *models.Project {
	t.Helper()
	p, err := f.projects.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

// shell runs script with sh; the source and output dirs arrive as $1 and $2.
func shell(script string) *ProcessRunner {
	return &ProcessRunner{Tool: "/bin/sh", Args: []string{"-c", script, "build"}, WaitDelay: time.Second}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
