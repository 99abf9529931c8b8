// Package builds turns queued projects into live deployments: it extracts the
// stored archive, runs the build tool under a deadline, streams its output
// into the registry and records exactly one terminal status per project.
package builds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"

	"grape/models"
	"grape/pkg/events"
	"grape/pkg/registry"
	"grape/pkg/storage"
	"grape/utils"
)

const (
	defaultFlushBytes    = 4 << 10
	defaultFlushInterval = time.Second
	defaultMaxLogBytes   = 4 << 20
	recordTimeout        = 30 * time.Second
)

// Extractor unpacks an archive into a directory that does not exist yet.
type Extractor interface {
	Extract(ctx context.Context, archivePath, targetDir string) error
}

type OrchestratorConfig struct {
	SourcesPath   string
	ArtifactsPath string
	Timeout       time.Duration
	FlushBytes    int
	FlushInterval time.Duration
	MaxLogBytes   int64
}

type Orchestrator struct {
	projects  registry.Projects
	archives  storage.ArchiveStore
	extractor Extractor
	runner    Runner
	events    events.Publisher
	log       *logrus.Logger
	cfg       OrchestratorConfig
	now       func() time.Time
}

func NewOrchestrator(
	projects registry.Projects,
	archives storage.ArchiveStore,
	extractor Extractor,
	runner Runner,
	publisher events.Publisher,
	logger *logrus.Logger,
	cfg OrchestratorConfig,
) (*Orchestrator, error) {
	var err error
	if cfg.SourcesPath, err = filepath.Abs(cfg.SourcesPath); err != nil {
		return nil, err
	}
	if cfg.ArtifactsPath, err = filepath.Abs(cfg.ArtifactsPath); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.SourcesPath, cfg.ArtifactsPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = defaultFlushBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = defaultMaxLogBytes
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Orchestrator{
		projects:  projects,
		archives:  archives,
		extractor: extractor,
		runner:    runner,
		events:    publisher,
		log:       logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// outcome is what a build attempt ended with. An empty failure means live.
type outcome struct {
	artifactDir string
	failure     string
	pending     string
}

// Run drives one project from queued to a terminal state. Build problems are
// recorded on the project; the returned error only reports that the project
// could not be driven at all.
func (o *Orchestrator) Run(ctx context.Context, id string) (err error) {
	logger := o.log.WithField("project_id", id)

	// Status writes must land even when the build context was cancelled.
	rctx := context.WithoutCancel(ctx)

	p, err := o.projects.Get(rctx, id)
	if err != nil {
		return err
	}
	logger = logger.WithField("owner_id", p.OwnerID)

	started := o.now()
	header := fmt.Sprintf("==> build started for %q at %s\n", p.Name, started.Format(time.RFC3339))
	if err := o.projects.Advance(rctx, id, models.StatusBuilding, registry.Update{LogChunk: header, At: started}); err != nil {
		return err
	}
	o.publish(rctx, p, models.StatusBuilding, started, logger)
	logger.Info("build started")

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("build panicked: %v", r)
			_ = os.RemoveAll(filepath.Join(o.cfg.ArtifactsPath, id))
			o.finish(rctx, p, outcome{failure: fmt.Sprintf("internal error: %v", r)}, started, logger)
			err = fmt.Errorf("build of %s panicked: %v", id, r)
		}
	}()

	res := o.build(ctx, rctx, p, logger)
	return o.finish(rctx, p, res, started, logger)
}

func (o *Orchestrator) build(ctx, rctx context.Context, p *models.Project, logger *logrus.Entry) outcome {
	archivePath, release, err := o.archives.Fetch(ctx, p.ID)
	if err != nil {
		return outcome{failure: fmt.Sprintf("archive unavailable: %s", models.Message(err))}
	}
	defer release()

	sourceDir := filepath.Join(o.cfg.SourcesPath, p.ID)
	defer func() {
		if err := os.RemoveAll(sourceDir); err != nil {
			logger.Warnf("cannot remove source tree %s: %v", sourceDir, err)
		}
	}()

	if err := o.extractor.Extract(ctx, archivePath, sourceDir); err != nil {
		return outcome{failure: fmt.Sprintf("extraction failed: %v", err)}
	}

	kind := utils.DetectProjectKind(sourceDir)
	o.appendLog(rctx, p.ID, fmt.Sprintf("==> detected project kind: %s\n", kind), logger)

	outputDir := filepath.Join(o.cfg.ArtifactsPath, p.ID)
	if err := os.RemoveAll(outputDir); err != nil {
		return outcome{failure: fmt.Sprintf("preparing output directory: %v", err)}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return outcome{failure: fmt.Sprintf("preparing output directory: %v", err)}
	}

	spec := BuildSpec{
		ProjectID: p.ID,
		SourceDir: sourceDir,
		OutputDir: outputDir,
		Env:       buildEnv(p, kind),
	}

	bctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	var runErr error
	var pending string
	func() {
		stream := newLogStream(rctx, o.projects, p.ID, o.cfg.FlushBytes, o.cfg.FlushInterval, o.cfg.MaxLogBytes, logger)
		defer func() { pending = stream.Close() }()
		runErr = o.runner.Run(bctx, spec, stream)
	}()

	res := outcome{pending: pending}
	switch {
	case runErr == nil:
		empty, err := isEmptyDir(outputDir)
		if err != nil || empty {
			res.failure = "build produced no output"
		} else {
			res.artifactDir = outputDir
		}
	case ctx.Err() != nil:
		res.failure = "build interrupted: server shutting down"
	case errors.Is(runErr, context.DeadlineExceeded):
		res.failure = fmt.Sprintf("build timed out after %s; process terminated", o.cfg.Timeout)
	default:
		var exitErr *ExitError
		if errors.As(runErr, &exitErr) {
			res.failure = exitErr.Error()
		} else {
			res.failure = fmt.Sprintf("build could not run: %v", runErr)
		}
	}

	if res.failure != "" {
		if err := os.RemoveAll(outputDir); err != nil {
			logger.Warnf("cannot remove partial output %s: %v", outputDir, err)
		}
	}
	return res
}

// finish records the terminal status together with the tail of the log.
func (o *Orchestrator) finish(ctx context.Context, p *models.Project, res outcome, started time.Time, logger *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	at := o.now()
	elapsed := at.Sub(started).Round(time.Millisecond)

	to := models.StatusLive
	tail := res.pending + fmt.Sprintf("==> build succeeded in %s\n", elapsed)
	if res.failure != "" {
		to = models.StatusFailed
		tail = res.pending + fmt.Sprintf("==> %s\n==> build failed after %s\n", res.failure, elapsed)
	}

	err := o.projects.Advance(ctx, p.ID, to, registry.Update{
		LogChunk:    tail,
		ArtifactDir: res.artifactDir,
		At:          at,
	})
	if err != nil {
		logger.Errorf("cannot record %s: %v", to, err)
		return err
	}

	o.publish(ctx, p, to, at, logger)

	if err := o.archives.Delete(ctx, p.ID); err != nil {
		logger.Warnf("cannot delete archive: %v", err)
	}

	entry := logger.WithField("elapsed", elapsed.String())
	if res.failure != "" {
		entry.WithField("reason", res.failure).Warn("build failed")
	} else {
		entry.Info("build succeeded")
	}
	return nil
}

func (o *Orchestrator) appendLog(ctx context.Context, id, line string, logger *logrus.Entry) {
	if err := o.projects.AppendLog(ctx, id, line); err != nil {
		logger.Warnf("cannot append build log: %v", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, p *models.Project, status models.Status, at time.Time, logger *logrus.Entry) {
	err := o.events.Publish(ctx, events.Event{
		ProjectID: p.ID,
		OwnerID:   p.OwnerID,
		Status:    status,
		At:        at,
	})
	if err != nil {
		logger.Warnf("cannot publish %s event: %v", status, err)
	}
}

// buildEnv exposes the project to the build tool as GRAPE_* variables.
func buildEnv(p *models.Project, kind models.ProjectKind) []string {
	vars := []struct{ key, value string }{
		{"project id", p.ID},
		{"project name", p.Name},
		{"routing key", p.RoutingKey},
		{"project kind", string(kind)},
	}

	env := make([]string, 0, len(vars))
	for _, v := range vars {
		env = append(env, fmt.Sprintf("GRAPE_%s=%s", strcase.ToScreamingSnake(v.key), v.value))
	}
	return env
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
