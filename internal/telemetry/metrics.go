package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	AttrStep    = attribute.Key("step")
	AttrOutcome = attribute.Key("outcome")
	AttrBlocker = attribute.Key("blocker_code")
	AttrStatus  = attribute.Key("status")
	AttrOp      = attribute.Key("operation")
)

type instruments struct {
	stepResults   metric.Int64Counter
	stepDuration  metric.Float64Histogram
	loopRuns      metric.Int64Counter
	publishes     metric.Int64Counter
	githubCalls   metric.Int64Counter
	specgenTokens metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	active    *instruments
)

func initMetrics(m metric.Meter) error {
	var (
		in  instruments
		err error
	)
	if in.stepResults, err = m.Int64Counter("afu9_step_results_total", metric.WithDescription("Step invocations by step and outcome")); err != nil {
		return err
	}
	if in.stepDuration, err = m.Float64Histogram("afu9_step_duration_seconds", metric.WithDescription("Step invocation duration in seconds"), metric.WithUnit("s")); err != nil {
		return err
	}
	if in.loopRuns, err = m.Int64Counter("afu9_loop_runs_total", metric.WithDescription("Loop runs by terminal status")); err != nil {
		return err
	}
	if in.publishes, err = m.Int64Counter("afu9_publish_total", metric.WithDescription("Publish attempts by outcome")); err != nil {
		return err
	}
	if in.githubCalls, err = m.Int64Counter("afu9_github_calls_total", metric.WithDescription("GitHub API calls by operation and status")); err != nil {
		return err
	}
	if in.specgenTokens, err = m.Int64Counter("afu9_specgen_tokens_total", metric.WithDescription("Draft generation tokens"), metric.WithUnit("{token}")); err != nil {
		return err
	}
	metricsMu.Lock()
	active = &in
	metricsMu.Unlock()
	return nil
}

func current() *instruments {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return active
}

// RecordStep records one step invocation. blocker is empty for successes.
func RecordStep(ctx context.Context, step, outcome, blocker string, d time.Duration) {
	in := current()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(AttrStep.String(step), AttrOutcome.String(outcome), AttrBlocker.String(blocker))
	in.stepResults.Add(ctx, 1, attrs)
	in.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStep.String(step)))
}

func RecordLoopRun(ctx context.Context, status string) {
	if in := current(); in != nil {
		in.loopRuns.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	}
}

func RecordPublish(ctx context.Context, outcome string) {
	if in := current(); in != nil {
		in.publishes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

func RecordGitHubCall(ctx context.Context, op string, err error) {
	in := current()
	if in == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	in.githubCalls.Add(ctx, 1, metric.WithAttributes(AttrOp.String(op), AttrStatus.String(status)))
}

func RecordSpecgenTokens(ctx context.Context, model string, input, output int64) {
	in := current()
	if in == nil {
		return
	}
	in.specgenTokens.Add(ctx, input, metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
	in.specgenTokens.Add(ctx, output, metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
}
