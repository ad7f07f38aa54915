package specgen_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/config"
	"afu9/internal/db"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/migrate"
	"afu9/internal/specgen"
)

type stubModel struct {
	reply  string
	err    error
	prompt string
}

func (m *stubModel) Complete(_ context.Context, prompt string) (string, error) {
	m.prompt = prompt
	return m.reply, m.err
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default(), nil)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
		err            bool
	}{
		{name: "plain", in: `{"title":"a"}`, want: `{"title":"a"}`},
		{name: "fenced", in: "Here you go:\n```json\n{\n  \"title\": \"a\"\n}\n```", want: `{"title":"a"}`},
		{name: "brace in prose", in: "use {braces} like this {\"title\":\"b\"}", want: `{"title":"b"}`},
		{name: "none", in: "no json here", err: true},
		{name: "truncated", in: `{"title": "a"`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := specgen.ExtractJSON(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, specgen.ErrNoDocument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateStoresValidDraft(t *testing.T) {
	eng := newEngine(t)
	model := &stubModel{reply: "```json\n" + `{"title":"Retry imports","body":"Imports fail on timeouts.","labels":["backend"],"acceptance":["retries 3 times"]}` + "\n```"}
	g := specgen.New(eng, model)

	res, err := g.Generate(context.Background(), specgen.Request{SessionID: "s1", Title: "Retry imports", Notes: "imports die on timeouts", Labels: []string{"backend"}})
	require.NoError(t, err)
	assert.Empty(t, res.Problems)
	assert.Equal(t, domain.ValidationValid, res.Draft.LastValidationStatus)
	assert.Equal(t, "Retry imports", res.Document.Title)
	assert.Contains(t, model.prompt, "imports die on timeouts")
	assert.Contains(t, model.prompt, "**Suggested labels:** backend")

	v, err := eng.CommitDraft(context.Background(), "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
}

func TestGenerateReportsInvalidDraft(t *testing.T) {
	eng := newEngine(t)
	g := specgen.New(eng, &stubModel{reply: `{"title":"Only a title"}`})
	res, err := g.Generate(context.Background(), specgen.Request{SessionID: "s1", Notes: "something"})
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationInvalid, res.Draft.LastValidationStatus)
	assert.NotEmpty(t, res.Problems)
}

func TestGenerateErrors(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := specgen.New(eng, &stubModel{}).Generate(ctx, specgen.Request{Notes: "x"})
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)

	boom := errors.New("boom")
	_, err = specgen.New(eng, &stubModel{err: boom}).Generate(ctx, specgen.Request{SessionID: "s", Notes: "x"})
	assert.ErrorIs(t, err, boom)

	_, err = specgen.New(eng, &stubModel{reply: "sorry"}).Generate(ctx, specgen.Request{SessionID: "s", Notes: "x"})
	assert.ErrorIs(t, err, specgen.ErrNoDocument)
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Setenv("AFU9_TEST_NO_KEY", "")
	_, err := specgen.NewAnthropic(specgen.AnthropicOptions{APIKeyEnv: "AFU9_TEST_NO_KEY"})
	assert.ErrorIs(t, err, specgen.ErrAPIKeyRequired)
}

func TestAnthropicCompleteRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": `{"title":"t"}`}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	m, err := specgen.NewAnthropic(specgen.AnthropicOptions{APIKey: "test", BaseURL: srv.URL, MaxElapsed: 10 * time.Second})
	require.NoError(t, err)
	out, err := m.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"t"}`, out)
	assert.Equal(t, int32(2), hits.Load())
}
