//go:build unix

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"grape/models"
	"grape/pkg/builds"
	"grape/pkg/registry"
	"grape/pkg/storage"
	"grape/utils"
)

// buildScript publishes the source tree unless it carries a marker file
// asking for a failure or a hang.
const buildScript = `
if [ -f "$1/fail" ]; then echo "compile error in app.js"; exit 3; fi
if [ -f "$1/hang" ]; then sleep 30; fi
echo "building $GRAPE_PROJECT_NAME"
cp -R "$1"/. "$2"/
`

type harness struct {
	t      *testing.T
	srv    *Server
	root   string
	token  string
	handle http.Handler
}

func testConfig(root string) *utils.Config {
	return &utils.Config{
		Server: utils.ServerConfig{
			Addr:           "127.0.0.1:0",
			PlatformDomain: "grape.ai",
			CorsOrigins:    []string{"*"},
		},
		Database: utils.DatabaseConfig{Driver: utils.DriverMemory},
		Auth: utils.AuthConfig{
			TokenSecret: "test-secret",
			TokenTTL:    time.Hour,
			BcryptCost:  bcrypt.MinCost,
		},
		Storage: utils.StorageConfig{
			ArchivesPath:  filepath.Join(root, "archives"),
			SourcesPath:   filepath.Join(root, "sources"),
			ArtifactsPath: filepath.Join(root, "deploy"),
		},
		Upload: utils.UploadConfig{MaxBytes: 1 << 20},
		Build: utils.BuildConfig{
			Runner:    utils.RunnerProcess,
			Tool:      "/bin/sh",
			ToolArgs:  []string{"-c", buildScript, "build"},
			Timeout:   time.Second,
			Workers:   2,
			QueueSize: 8,
		},
	}
}

func newHarness(t *testing.T, db Pinger) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	cfg := testConfig(root)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	archives, err := storage.NewDiskStore(cfg.Storage.ArchivesPath)
	require.NoError(t, err)

	srv, err := New(Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    registry.NewMemory(),
		Archives: archives,
		Runner:   &builds.ProcessRunner{Tool: cfg.Build.Tool, Args: cfg.Build.ToolArgs, WaitDelay: time.Second},
		DB:       db,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	h := &harness{t: t, srv: srv, root: root, handle: srv.Handler()}
	h.token = h.register("alice@example.com")
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handle.ServeHTTP(w, req)
	return w
}

func (h *harness) register(email string) string {
	h.t.Helper()

	body, _ := json.Marshal(gin.H{"email": email, "password": "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data models.Session `json:"data"`
	}
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data.Token
}

func (h *harness) upload(name, filename string, archive []byte) *httptest.ResponseRecorder {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(h.t, mw.WriteField("name", name))
	fw, err := mw.CreateFormFile("project", filename)
	require.NoError(h.t, err)
	_, err = fw.Write(archive)
	require.NoError(h.t, err)
	require.NoError(h.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.token)
	return h.do(req)
}

func (h *harness) queue(name string, archive []byte) models.ProjectDescriptor {
	h.t.Helper()

	w := h.upload(name, name+".zip", archive)
	require.Equal(h.t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Data models.ProjectDescriptor `json:"data"`
	}
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	return h.do(req)
}

func (h *harness) project(id string) models.Project {
	h.t.Helper()

	w := h.get("/api/projects/" + id)
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data models.Project `json:"data"`
	}
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

// await polls the project like a client would and returns the statuses it saw.
func (h *harness) await(id string) (models.Project, []models.Status) {
	h.t.Helper()

	var seen []models.Status
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p := h.project(id)
		if len(seen) == 0 || seen[len(seen)-1] != p.Status {
			seen = append(seen, p.Status)
		}
		if p.Status.IsTerminal() {
			return p, seen
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("project %s never finished, saw %v", id, seen)
	return models.Project{}, nil
}

func zipOf(t *testing.T, files map[string]string) []byte {
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

func TestDeployStaticSite(t *testing.T) {
	h := newHarness(t, nil)

	d := h.queue("demo", zipOf(t, map[string]string{"index.html": "<h1>demo</h1>"}))
	assert.Equal(t, models.StatusQueued, d.Status)
	assert.Equal(t, d.ID+".grape.ai", d.RoutingKey)

	p, seen := h.await(d.ID)
	assert.Equal(t, models.StatusLive, p.Status)
	assert.Contains(t, p.BuildLog, "building demo")
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].CanTransitionTo(seen[i]), "observed %v", seen)
	}

	w := h.do(httptest.NewRequest(http.MethodGet, "/sites/"+d.RoutingKey+"/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>demo</h1>", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Host = d.RoutingKey
	assert.Equal(t, "<h1>demo</h1>", h.do(req).Body.String())

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(h.root, "archives"))
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond, "archive is dropped once the build is over")
	assert.NoDirExists(t, filepath.Join(h.root, "sources", d.ID))
}

func TestPathTraversalFailsProject(t *testing.T) {
	h := newHarness(t, nil)

	d := h.queue("evil", zipOf(t, map[string]string{
		"index.html":        "ok",
		"../../escaped.txt": "pwned",
	}))

	p, _ := h.await(d.ID)
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Contains(t, p.BuildLog, "escapes the extraction directory")
	assert.NoFileExists(t, filepath.Join(h.root, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(h.root, "sources", "escaped.txt"))

	w := h.do(httptest.NewRequest(http.MethodGet, "/sites/"+d.RoutingKey+"/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBuildFailureIsLogged(t *testing.T) {
	h := newHarness(t, nil)

	d := h.queue("broken", zipOf(t, map[string]string{"index.html": "x", "fail": ""}))

	p, _ := h.await(d.ID)
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Contains(t, p.BuildLog, "compile error in app.js")
	assert.Contains(t, p.BuildLog, "build tool exited with code 3")
}

func TestBuildTimeout(t *testing.T) {
	h := newHarness(t, nil)

	d := h.queue("slow", zipOf(t, map[string]string{"index.html": "x", "hang": ""}))

	p, _ := h.await(d.ID)
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Contains(t, p.BuildLog, "timed out")
}

func TestBackToBackUploadsAreListed(t *testing.T) {
	h := newHarness(t, nil)

	first := h.queue("first", zipOf(t, map[string]string{"index.html": "1"}))
	time.Sleep(5 * time.Millisecond)
	second := h.queue("second", zipOf(t, map[string]string{"index.html": "2", "fail": ""}))

	h.await(first.ID)
	h.await(second.ID)

	w := h.get("/api/projects")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []models.ProjectDescriptor `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, second.ID, resp.Data[0].ID)
	assert.Equal(t, models.StatusFailed, resp.Data[0].Status)
	assert.Equal(t, first.ID, resp.Data[1].ID)
	assert.Equal(t, models.StatusLive, resp.Data[1].Status)
}

func TestRejectedUploadLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusBadRequest, h.upload("demo", "demo.tar", zipOf(t, map[string]string{"a": "b"})).Code)
	assert.Equal(t, http.StatusBadRequest, h.upload("   ", "demo.zip", zipOf(t, map[string]string{"a": "b"})).Code)

	entries, err := os.ReadDir(filepath.Join(h.root, "archives"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	w := h.get("/api/projects")
	assert.JSONEq(t, `{"message":"0 projects found","data":[]}`, w.Body.String())
}

func TestOwnersAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	d := h.queue("mine", zipOf(t, map[string]string{"index.html": "x"}))

	h.token = h.register("bob@example.com")
	assert.Equal(t, http.StatusNotFound, h.get("/api/projects/"+d.ID).Code)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Builds builds.Stats `json:"builds"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Builds.Workers)
	assert.Equal(t, 10, resp.Data.Builds.Capacity)

	down := newHarness(t, pingerFunc(func(context.Context) error { return errors.New("connection refused") }))
	w = down.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", h.do(req).Header().Get("X-Request-Id"))
}

func TestPlatformSubdomainReachesAPI(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Host = "api.grape.ai"
	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pong")

	body, _ := json.Marshal(gin.H{"email": "alice@example.com", "password": "correct horse"})
	req = httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "www.grape.ai:443"
	w = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
