package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/db"
	"github.com/lokalhq/lokal/internal/governor"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/metrics"
	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/status"
	"github.com/lokalhq/lokal/internal/store"
)

type fakePipeline struct {
	err error

	mu        sync.Mutex
	submitted []submission
	active    []pipeline.ActiveJob
}

type submission struct {
	jobID, path string
	opts        pipeline.Options
}

func (f *fakePipeline) Submit(_ context.Context, jobID, videoPath string, opts pipeline.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, submission{jobID, videoPath, opts})
	return nil
}

func (f *fakePipeline) ActiveJobs() []pipeline.ActiveJob { return f.active }

type testEnv struct {
	srv  *Server
	pipe *fakePipeline
	hub  *status.Hub
	cfg  *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HeartbeatInterval = time.Hour
	hub := status.NewHub(nil, nil)
	pipe := &fakePipeline{}
	deps := Deps{
		Pipeline: pipe,
		Status:   hub,
		Governor: governor.New(governor.NewMemoryCounter(), governor.LimitsFromConfig(cfg.Governor), logger.NewNop()),
		Catalog: catalog.Static{
			{ID: "p1", Title: "Air Max", Category: "shoes", Brand: "Nike", Keywords: []string{"sneakers", "running"}},
		},
		Metrics: metrics.New(),
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	srv, err := New(cfg, deps)
	require.NoError(t, err)
	n := 0
	srv.newID = func() string {
		n++
		return "job-" + string(rune('0'+n))
	}
	return &testEnv{srv: srv, pipe: pipe, hub: hub, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func videoFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(p, []byte("video"), 0o644))
	return p
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)
	_, err = New(config.Default(), Deps{Status: status.NewHub(nil, nil)})
	assert.ErrorContains(t, err, "pipeline is required")
	_, err = New(config.Default(), Deps{Pipeline: &fakePipeline{}})
	assert.ErrorContains(t, err, "status channel is required")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)

	w := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmit_Accepted(t *testing.T) {
	env := newTestEnv(t, nil)
	path := videoFile(t)

	w := env.do(t, http.MethodPost, "/api/jobs",
		`{"video_path":"`+path+`","video_id":"v1","user_id":"u1","user_tags":["Nike"],"max_frames":12}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "/api/jobs/job-1", w.Header().Get("Location"))

	require.Len(t, env.pipe.submitted, 1)
	got := env.pipe.submitted[0]
	assert.Equal(t, path, got.path)
	assert.Equal(t, "v1", got.opts.VideoID)
	assert.Equal(t, 12, got.opts.MaxFrames)
	assert.Equal(t, []string{"Nike"}, got.opts.UserTags)
}

func TestSubmit_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"video_path":`},
		{"missing path", `{"user_id":"u1"}`},
		{"missing file", `{"video_path":"/nonexistent/clip.mp4"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, env.pipe.submitted)
}

func TestSubmit_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Governor.UploadLimit = 1
		c.Governor.UploadWindow = time.Hour
	})
	body := `{"video_path":"` + videoFile(t) + `","user_id":"u1"}`

	first := env.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := env.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Len(t, env.pipe.submitted, 1)

	other := env.do(t, http.MethodPost, "/api/jobs", `{"video_path":"`+videoFile(t)+`","user_id":"u2"}`)
	assert.Equal(t, http.StatusAccepted, other.Code, "limits are per user")
}

func TestSubmit_PipelineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"throttled", pipeline.ErrThrottled, http.StatusServiceUnavailable},
		{"invalid", pipeline.ErrInvalidInput, http.StatusBadRequest},
		{"duplicate", pipeline.ErrDuplicateJob, http.StatusConflict},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.pipe.err = tt.err
			w := env.do(t, http.MethodPost, "/api/jobs", `{"video_path":"`+videoFile(t)+`"}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/jobs/nope", "").Code)

	require.NoError(t, env.hub.Publish(context.Background(),
		status.Update{JobID: "j1", Status: pipeline.StatusDetecting, Progress: 30}))
	w := env.do(t, http.MethodGet, "/api/jobs/j1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var u status.Update
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	assert.Equal(t, pipeline.StatusDetecting, u.Status)
	assert.Equal(t, 30, u.Progress)
}

func TestActiveAndGovernor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pipe.active = []pipeline.ActiveJob{{ID: "j1", Status: pipeline.StatusExtracting, Progress: 10, Running: true}}

	w := env.do(t, http.MethodGet, "/api/jobs/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	var active struct {
		Jobs  []pipeline.ActiveJob `json:"jobs"`
		Count int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, 1, active.Count)
	assert.Equal(t, "j1", active.Jobs[0].ID)

	w = env.do(t, http.MethodGet, "/api/governor", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap governor.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.False(t, snap.Throttled)
}

func TestSuggest(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/tags/suggest", "").Code)

	w := env.do(t, http.MethodGet, "/api/tags/suggest?tag=sneakrs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Valid       bool `json:"valid"`
		Suggestions []struct {
			Tag string `json:"tag"`
		} `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "sneakers", resp.Suggestions[0].Tag)

	w = env.do(t, http.MethodGet, "/api/tags/suggest?tag=x", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}

func TestResult(t *testing.T) {
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	results := store.NewResultStore(gdb)

	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.Results = results })
	ctx := context.Background()

	res := pipeline.Result{JobID: "done", VideoID: "v1", FallbackMode: true}
	require.NoError(t, results.Save(ctx, "done", store.ResultMeta{VideoID: "v1"}, res))

	w := env.do(t, http.MethodGet, "/api/jobs/done/result", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got pipeline.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "v1", got.VideoID)
	assert.True(t, got.FallbackMode)

	require.NoError(t, env.hub.Publish(ctx, status.Update{JobID: "running", Status: pipeline.StatusCropping, Progress: 50}))
	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodGet, "/api/jobs/running/result", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/jobs/unknown/result", "").Code)
}

func TestEvents_FinishedJob(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.hub.Publish(context.Background(),
		status.Update{JobID: "j1", Status: status.StatusCompleted, Progress: 100}))

	w := env.do(t, http.MethodGet, "/api/jobs/j1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, `"status":"completed"`)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/jobs/missing/events", "").Code)
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.hub.Publish(ctx, status.Update{JobID: "j1", Status: pipeline.StatusInitializing}))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/j1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	next := func() string {
		select {
		case e, ok := <-events:
			if !ok {
				return ""
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return ""
		}
	}
	assert.Equal(t, "connected", next())
	assert.Equal(t, "status", next()) // snapshot

	require.NoError(t, env.hub.Publish(ctx, status.Update{JobID: "j1", Status: pipeline.StatusExtracting, Progress: 10}))
	require.NoError(t, env.hub.Publish(ctx, status.Update{JobID: "j1", Status: status.StatusCompleted, Progress: 100}))

	assert.Equal(t, "status", next())
	assert.Equal(t, "status", next())
	assert.Equal(t, "", next(), "stream closes after the terminal update")
}
