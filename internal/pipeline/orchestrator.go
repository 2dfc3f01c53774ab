package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/detector"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/metrics"
	"github.com/lokalhq/lokal/internal/models"
	"github.com/lokalhq/lokal/internal/scoring"
	"github.com/lokalhq/lokal/internal/status"
	"github.com/lokalhq/lokal/internal/store"
)

// Admitter decides whether a new job may start.
type Admitter interface {
	Admit(jobID string) error
}

// ResultSaver persists a finished result exactly once per job.
type ResultSaver interface {
	Save(ctx context.Context, jobID string, meta store.ResultMeta, body any) error
}

// JobRecorder writes the durable job row when a job is admitted.
type JobRecorder interface {
	CreateJob(ctx context.Context, job *models.Job) error
}

// Deps are the collaborators of an Orchestrator. Governor, Jobs, Results,
// Status, Metrics and Log are optional.
type Deps struct {
	Extractor media.FrameExtractor
	Detector  detector.Detector
	Cropper   media.Cropper
	Describe  *DescribeStage
	Engine    *scoring.Engine
	Catalog   catalog.Catalog

	Governor Admitter
	Registry *Registry
	Jobs     JobRecorder
	Results  ResultSaver
	Status   status.Channel
	Metrics  *metrics.Metrics
	Log      logger.Logger
}

// Orchestrator runs jobs through the six stages.
type Orchestrator struct {
	cfg      config.PipelineConfig
	defaults Options
	policy   RetryPolicy

	extractor media.FrameExtractor
	detector  detector.Detector
	cropper   media.Cropper
	describe  *DescribeStage
	engine    *scoring.Engine
	catalog   catalog.Catalog

	governor Admitter
	registry *Registry
	jobs     JobRecorder
	results  ResultSaver
	status   status.Channel
	metrics  *metrics.Metrics
	log      logger.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

// New validates deps and returns an Orchestrator.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("pipeline: frame extractor is required")
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("pipeline: detector is required")
	}
	if deps.Cropper == nil {
		return nil, fmt.Errorf("pipeline: cropper is required")
	}
	if deps.Describe == nil {
		return nil, fmt.Errorf("pipeline: describe stage is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("pipeline: catalog is required")
	}
	if deps.Engine == nil {
		deps.Engine = scoring.NewEngine(scoring.WeightsFromConfig(cfg.Scoring))
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(cfg.Governor.MaxConcurrentJobs)
	}
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.Pipeline,
		defaults:  DefaultOptions(cfg),
		policy:    PolicyFromConfig(cfg.Pipeline),
		extractor: deps.Extractor,
		detector:  deps.Detector,
		cropper:   deps.Cropper,
		describe:  deps.Describe,
		engine:    deps.Engine,
		catalog:   deps.Catalog,
		governor:  deps.Governor,
		registry:  deps.Registry,
		jobs:      deps.Jobs,
		results:   deps.Results,
		status:    deps.Status,
		metrics:   deps.Metrics,
		log:       deps.Log.With(logger.String("component", "pipeline")),
		now:       time.Now,
	}, nil
}

// Registry returns the active job registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// ActiveJobs returns a snapshot of jobs that have not finished.
func (o *Orchestrator) ActiveJobs() []ActiveJob { return o.registry.Snapshot() }

// Defaults returns the option defaults applied to every job.
func (o *Orchestrator) Defaults() Options { return o.defaults }

// run is the per-job state owned by the job's goroutine.
type run struct {
	job       *Job
	workDir   string
	started   time.Time
	stage     Stage
	retries   int
	fallbacks []Stage
	calls     int
	hits      int
	misses    int
}

// ProcessVideo runs one job to completion and returns its result. It fails
// with ErrThrottled when admission is refused, and with a *PipelineError once
// a stage has exhausted its retries and fallback.
func (o *Orchestrator) ProcessVideo(ctx context.Context, jobID, videoPath string, opts Options) (*Result, error) {
	r, err := o.start(ctx, jobID, videoPath, opts)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, r)
}

// Submit admits and registers a job, then runs it on its own goroutine.
// Admission and validation errors are returned synchronously.
func (o *Orchestrator) Submit(ctx context.Context, jobID, videoPath string, opts Options) error {
	r, err := o.start(ctx, jobID, videoPath, opts)
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.execute(ctx, r)
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) start(ctx context.Context, jobID, videoPath string, opts Options) (*run, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidInput)
	}
	if videoPath == "" {
		return nil, fmt.Errorf("%w: video path is required", ErrInvalidInput)
	}
	opts = opts.Resolve(o.defaults).Clamp(o.cfg.Ceilings)

	if o.governor != nil {
		if err := o.governor.Admit(jobID); err != nil {
			return nil, err
		}
	}

	videoID := opts.VideoID
	if videoID == "" {
		videoID = jobID
	}
	job := &Job{
		ID:        jobID,
		VideoID:   videoID,
		VideoPath: videoPath,
		UserID:    opts.UserID,
		CreatedAt: o.now(),
		Status:    StatusInitializing,
		Options:   opts,
	}
	if err := o.registry.Add(job); err != nil {
		return nil, err
	}
	o.syncLoad()

	if o.jobs != nil {
		rec := &models.Job{
			ID:        jobID,
			VideoID:   videoID,
			VideoPath: videoPath,
			UserID:    opts.UserID,
			Status:    StatusInitializing,
		}
		if err := o.jobs.CreateJob(ctx, rec); err != nil {
			o.log.Warn("Failed to record job", logger.String("job_id", jobID), logger.Error(err))
		}
	}

	r := &run{
		job:     job,
		workDir: filepath.Join(o.cfg.WorkDir, jobID),
		started: job.CreatedAt,
		stage:   StageInitialize,
	}
	o.publish(ctx, r, StatusInitializing, StageInitialize, 0, "Queued for processing", nil, map[string]any{
		"video_id":   videoID,
		"video_path": videoPath,
	})
	return r, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	defer func() {
		o.registry.Remove(r.job.ID)
		o.syncLoad()
	}()

	if _, err := os.Stat(r.job.VideoPath); err != nil {
		cause := Terminal(fmt.Errorf("%w: video %s: %v", ErrInvalidInput, r.job.VideoPath, err))
		return o.fail(ctx, r, &PipelineError{JobID: r.job.ID, Stage: StageInitialize, Cause: cause})
	}
	if err := o.registry.Acquire(ctx, r.job.ID); err != nil {
		return o.fail(ctx, r, &PipelineError{JobID: r.job.ID, Stage: StageInitialize, Cause: err})
	}
	o.syncLoad()
	o.log.Info("Job started",
		logger.String("job_id", r.job.ID),
		logger.String("video_path", r.job.VideoPath),
		logger.Int("max_frames", r.job.Options.MaxFrames),
		logger.Int("max_analysis_calls", r.job.Options.MaxAnalysisCalls),
	)

	res, err := o.runStages(ctx, r)
	if err != nil {
		return o.fail(ctx, r, err)
	}

	msg := fmt.Sprintf("Found %d recommendations", len(res.Recommendations))
	if res.Degraded() {
		msg += " (degraded)"
	}
	o.publish(context.WithoutCancel(ctx), r, StatusCompleted, StageFinalize, 100, msg, nil, map[string]any{
		"recommendations": len(res.Recommendations),
		"fallback_stages": res.Meta().FallbackStages,
		"analysis_calls":  res.Telemetry.AnalysisCalls,
		"cache_hit_rate":  res.Telemetry.CacheHitRate,
	})
	o.metrics.JobFinished(StatusCompleted)
	o.log.Info("Job completed",
		logger.String("job_id", r.job.ID),
		logger.Int("recommendations", len(res.Recommendations)),
		logger.Int("analysis_calls", res.Telemetry.AnalysisCalls),
		logger.Int("retries", res.Telemetry.Retries),
		logger.Strings("fallback_stages", res.Meta().FallbackStages),
		logger.Duration("duration", res.Telemetry.Duration),
	)
	return res, nil
}

// fail publishes the failed state and returns err. Artifacts of completed
// stages stay on disk for the janitor.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) (*Result, error) {
	stage := r.stage
	var pe *PipelineError
	if errors.As(err, &pe) {
		stage = pe.Stage
	}
	o.publish(context.WithoutCancel(ctx), r, StatusFailed, stage, r.job.Progress, "Processing failed", err, map[string]any{
		"stage":   string(stage),
		"retries": r.retries,
	})
	o.metrics.JobFinished(StatusFailed)
	o.log.Error("Job failed",
		logger.String("job_id", r.job.ID),
		logger.String("stage", string(stage)),
		logger.Int("retries", r.retries),
		logger.Error(err),
	)
	return nil, err
}

// publish records the job state on the registry and the status channel.
// Progress never moves backwards.
func (o *Orchestrator) publish(ctx context.Context, r *run, statusName string, stage Stage, progress int, msg string, err error, meta map[string]any) {
	r.job.Status = statusName
	if progress > r.job.Progress {
		r.job.Progress = progress
	}
	o.registry.Update(r.job.ID, statusName, r.job.Progress)
	if o.status == nil {
		return
	}
	u := status.Update{
		JobID:    r.job.ID,
		Status:   statusName,
		Stage:    string(stage),
		Progress: r.job.Progress,
		Message:  msg,
		Metadata: meta,
	}
	if err != nil {
		u.Error = err.Error()
	}
	if perr := o.status.Publish(ctx, u); perr != nil {
		o.log.Warn("Status write failed",
			logger.String("job_id", r.job.ID),
			logger.String("status", statusName),
			logger.Error(perr),
		)
	}
}

func (o *Orchestrator) syncLoad() {
	o.metrics.SetJobs(o.registry.Running(), o.registry.Waiting())
}

// runStage announces stage, then runs op through the retry wrapper. Retries
// re-announce the same checkpoint.
func runStage[T any](ctx context.Context, o *Orchestrator, r *run, stage Stage, op func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	r.stage = stage
	o.publish(ctx, r, stage.Status(), stage, stage.Progress(), stageMessages[stage], nil, nil)

	attempt := 0
	wrapped := func(ctx context.Context) (T, error) {
		attempt++
		if attempt > 1 {
			r.retries++
			o.publish(ctx, r, stage.Status(), stage, stage.Progress(),
				fmt.Sprintf("Retrying %s (attempt %d)", stage, attempt), nil, map[string]any{"attempt": attempt})
		}
		return op(ctx)
	}

	fell := false
	policy := o.policy
	policy.OnAttempt = func(s Stage, n int, err error) {
		o.metrics.StageAttempt(string(s), err != nil)
		if err != nil {
			o.log.Warn("Stage attempt failed",
				logger.String("job_id", r.job.ID),
				logger.String("stage", string(s)),
				logger.Int("attempt", n),
				logger.Error(err),
			)
		}
	}
	policy.OnFallback = func(s Stage, cause error) {
		fell = true
		r.fallbacks = append(r.fallbacks, s)
		o.log.Warn("Stage fell back to degraded result",
			logger.String("job_id", r.job.ID),
			logger.String("stage", string(s)),
			logger.Error(cause),
		)
	}

	start := o.now()
	v, err := ExecuteWithRetry(ctx, policy, stage, wrapped, fallback)
	o.metrics.ObserveStage(string(stage), o.now().Sub(start), fell)
	if err != nil {
		return v, &PipelineError{JobID: r.job.ID, Stage: stage, Cause: err}
	}
	return v, nil
}

var stageMessages = map[Stage]string{
	StageExtract:  "Extracting frames",
	StageDetect:   "Detecting and tracking objects",
	StageCrop:     "Cropping objects",
	StageDescribe: "Analyzing objects",
	StageMatch:    "Matching products",
	StageFinalize: "Finalizing results",
}
