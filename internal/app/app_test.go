package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/github/githubtest"
)

type cannedModel struct{}

func (cannedModel) Complete(context.Context, string) (string, error) {
	return `{"title":"t","body":"b","acceptance":["a"]}`, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestOpenWithoutModelDisablesSpecgen(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	ws := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: ws, GitHub: githubtest.New(), Logger: quietLogger()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Nil(t, a.Specgen)
	assert.NotNil(t, a.Loop)
	assert.NotNil(t, a.Publisher)
	assert.Equal(t, "/api/afu9", a.Config.Server.BasePath)
	_, err = os.Stat(filepath.Join(ws, ".afu9", "afu9.db"))
	assert.NoError(t, err)
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	a, err := Open(context.Background(), Options{
		Workspace: t.TempDir(),
		GitHub:    githubtest.New(),
		Model:     cannedModel{},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer a.Close(context.Background())
	require.NotNil(t, a.Specgen)

	h, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/afu9/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHandlerRequiresSecretWithoutLegacyHeaders(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "afu9.yml"), []byte("auth:\n  allow_legacy_headers: false\n"), 0o644))
	t.Setenv("AFU9_JWT_SECRET", "")
	a, err := Open(context.Background(), Options{Workspace: ws, GitHub: githubtest.New(), Model: cannedModel{}, Logger: quietLogger()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, err = a.Handler()
	assert.ErrorContains(t, err, "AFU9_JWT_SECRET")

	t.Setenv("AFU9_JWT_SECRET", "s")
	_, err = a.Handler()
	assert.NoError(t, err)
}
