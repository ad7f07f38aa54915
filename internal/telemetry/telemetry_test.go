package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitServesRecordedMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Options{ServiceName: "afu9-test"})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	RecordStep(ctx, "S5_MERGE", "blocked", "PR_NOT_MERGED", 20*time.Millisecond)
	RecordLoopRun(ctx, "completed")
	RecordPublish(ctx, "published")
	RecordGitHubCall(ctx, "pulls.get", errors.New("boom"))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "afu9_step_results")
	assert.Contains(t, out, `blocker_code="PR_NOT_MERGED"`)
	assert.Contains(t, out, "afu9_loop_runs")
	assert.Contains(t, out, "afu9_github_calls")
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	metricsMu.Lock()
	saved := active
	active = nil
	metricsMu.Unlock()
	defer func() {
		metricsMu.Lock()
		active = saved
		metricsMu.Unlock()
	}()

	RecordStep(context.Background(), "S1_PICK", "success", "", time.Millisecond)
	RecordSpecgenTokens(context.Background(), "m", 1, 2)
}
