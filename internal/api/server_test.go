package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/api/handlers"
	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/ml/builtin"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/tasks"
)

type testServer struct {
	app    *fiber.App
	queue  *tasks.Queue
	worker *tasks.Worker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	projects := project.NewManager(filepath.Join(dir, "projects"), project.Options{
		BusyTimeout: time.Second,
		Locks: project.LockOptions{
			PollInterval:     5 * time.Millisecond,
			ActiveTimeout:    2 * time.Second,
			ActiveStaleAfter: time.Minute,
		},
	})
	q, err := tasks.Open(filepath.Join(dir, "tasks.db"), time.Second, tasks.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	registry := builtin.Registry(nil)
	features := cache.NewMemory(0)
	env := &handlers.Env{
		Projects: projects,
		Registry: registry,
		Features: features,
		Queue:    q,
		Defaults: models.Settings{
			Classifier:       models.ModelSpec{Name: "nb"},
			Querier:          models.ModelSpec{Name: "max"},
			Balancer:         models.ModelSpec{Name: "double"},
			FeatureExtractor: models.ModelSpec{Name: "tfidf"},
		},
		Review:      review.Options{BatchSize: 1},
		EditLockTTL: time.Minute,
	}
	s := NewServer(env, Options{RateLimitPerMin: 10000})
	t.Cleanup(func() { s.Shutdown() })

	return &testServer{
		app:    s.App,
		queue:  q,
		worker: tasks.NewWorker(q, projects, registry, features, tasks.WorkerOptions{}),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// drain runs the queued tasks the way the worker process would.
func (s *testServer) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		task, err := s.queue.Claim(ctx)
		require.NoError(t, err)
		if task == nil {
			return
		}
		outcome := s.worker.Handle(ctx, task)
		require.False(t, outcome.Retry, "task %s: %s", task.ID, outcome.Label)
		require.NoError(t, s.queue.Ack(ctx, task.ID))
	}
}

const dataset = `[
	{"record_id": 0, "title": "active learning for screening", "abstract": "ranking abstracts with a classifier", "included": 1},
	{"record_id": 1, "title": "garlic bread", "abstract": "tomato soup recipes", "included": 0},
	{"record_id": 2, "title": "lamb shoulder", "abstract": "slow cooked with rosemary", "included": 0},
	{"record_id": 3, "title": "chocolate cake", "abstract": "baking temperature", "included": 0},
	{"record_id": 4, "title": "machine learning", "abstract": "models rank abstracts for screening", "included": 1},
	{"record_id": 5, "title": "sourdough starter", "abstract": "feeding schedule", "included": 0}
]`

func TestServedReviewLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, "POST", "/api/v1/projects", `{"id": "demo", "records": `+dataset+`}`)
	require.Equal(t, fiber.StatusCreated, code, body)
	require.Equal(t, "demo", body["id"])

	code, _ = s.do(t, "POST", "/api/v1/projects", `{"id": "demo", "records": `+dataset+`}`)
	require.Equal(t, fiber.StatusConflict, code)

	code, body = s.do(t, "GET", "/api/v1/projects/demo/next", "")
	require.Equal(t, fiber.StatusConflict, code, body)

	code, body = s.do(t, "POST", "/api/v1/projects/demo/priors", `{"included": [0], "excluded": [1]}`)
	require.Equal(t, fiber.StatusOK, code, body)
	require.Equal(t, true, body["training_queued"])

	code, body = s.do(t, "GET", "/api/v1/projects/demo/next", "")
	require.Equal(t, fiber.StatusAccepted, code)
	require.Equal(t, "training", body["status"])

	s.drain(t)

	code, body = s.do(t, "GET", "/api/v1/projects/demo/next", "")
	require.Equal(t, fiber.StatusOK, code, body)
	record := body["record"].(map[string]any)
	id := int64(record["record_id"].(float64))
	require.NotContains(t, []int64{0, 1}, id)

	code, body = s.do(t, "GET", "/api/v1/projects/demo/next", "")
	require.Equal(t, fiber.StatusOK, code)
	require.EqualValues(t, id, body["record"].(map[string]any)["record_id"], "a pending record is handed out again")

	code, body = s.do(t, "GET", "/api/v1/projects/demo/pending", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Equal(t, []any{float64(id)}, body["pending"])

	code, body = s.do(t, "POST", "/api/v1/projects/demo/labels", fmt.Sprintf(`{"record_id": %d, "label": 1, "note": "on topic"}`, id))
	require.Equal(t, fiber.StatusCreated, code, body)
	require.Equal(t, true, body["training_queued"])

	code, _ = s.do(t, "POST", "/api/v1/projects/demo/labels", fmt.Sprintf(`{"record_id": %d, "label": 1}`, id))
	require.Equal(t, fiber.StatusConflict, code, "labeling twice is a duplicate")

	path := fmt.Sprintf("/api/v1/projects/demo/labels/%d", id)
	code, _ = s.do(t, "PUT", path, `{"label": 0}`)
	require.Equal(t, fiber.StatusBadRequest, code, "corrections need an owner")

	code, body = s.do(t, "PUT", path, `{"label": 0}`, handlers.OwnerHeader, "alice")
	require.Equal(t, fiber.StatusOK, code, body)

	code, body = s.do(t, "PUT", path, `{"label": 1}`, handlers.OwnerHeader, "bob")
	require.Equal(t, fiber.StatusLocked, code)
	require.Equal(t, "alice", body["holder"])

	code, body = s.do(t, "GET", fmt.Sprintf("/api/v1/projects/demo/results/%d", id), "")
	require.Equal(t, fiber.StatusOK, code)
	require.EqualValues(t, 0, body["label"])
	require.Equal(t, "nb", body["classifier"])

	code, body = s.do(t, "GET", "/api/v1/projects/demo/decision_changes", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Len(t, body["decision_changes"], 1)

	code, body = s.do(t, "GET", "/api/v1/projects/demo/labeled?priors=false", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Len(t, body["results"], 1)

	code, body = s.do(t, "GET", "/api/v1/projects/demo", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Equal(t, string(models.StatusReview), body["status"])
	counts := body["counts"].(map[string]any)
	require.EqualValues(t, 3, counts["labeled"])
	require.EqualValues(t, 3, counts["pool"])

	s.drain(t)

	code, body = s.do(t, "GET", "/api/v1/projects/demo/ranking", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Len(t, body["ranking"], 3, "the new ranking covers the unlabeled records")

	code, body = s.do(t, "GET", "/api/v1/projects/demo/analysis", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Equal(t, true, body["ground_truth"])

	code, _ = s.do(t, "DELETE", "/api/v1/projects/demo", "")
	require.Equal(t, fiber.StatusNoContent, code)
	code, _ = s.do(t, "GET", "/api/v1/projects/demo", "")
	require.Equal(t, fiber.StatusNotFound, code)
}

func TestCreateProjectRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, "POST", "/api/v1/projects", `{"id": "p", "records": `+dataset+`, "settings": {"classifier": {"name": "svm"}}}`)
	require.Equal(t, fiber.StatusBadRequest, code)
	require.Contains(t, body["error"], "svm")

	code, _ = s.do(t, "POST", "/api/v1/projects", `{"id": "p", "records": []}`)
	require.Equal(t, fiber.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/api/v1/projects", `{"id": "../escape", "records": `+dataset+`}`)
	require.Equal(t, fiber.StatusBadRequest, code)

	code, body = s.do(t, "GET", "/api/v1/projects", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Empty(t, body["projects"])
}

func TestPriorsNeedBothClasses(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, "POST", "/api/v1/projects", `{"id": "p", "records": `+dataset+`}`)
	require.Equal(t, fiber.StatusCreated, code)

	code, body := s.do(t, "POST", "/api/v1/projects/p/priors", `{"included": [0, 4]}`)
	require.Equal(t, fiber.StatusBadRequest, code, body)

	code, body = s.do(t, "POST", "/api/v1/projects/missing/train", "")
	require.Equal(t, fiber.StatusNotFound, code, body)
}

func TestHealthAndHeaders(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))

	resp, err = s.app.Test(httptest.NewRequest("GET", "/ws/projects/p/oracle", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
