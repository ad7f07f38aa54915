package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api/afu9", cfg.Server.BasePath)
	assert.Equal(t, "squash", cfg.GitHub.MergeMethod)
	assert.Equal(t, 15*time.Second, cfg.GitHub.Timeout)
	assert.Equal(t, 9, cfg.Loop.MaxSteps)
	assert.True(t, cfg.Auth.AllowLegacyHeaders)
	assert.Empty(t, cfg.Webhooks)
	assert.Equal(t, "", cfg.Repository())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
github:
  owner: acme
  repo: app
  merge_method: rebase
loop:
  max_steps: 3
auth:
  operator_groups: [ops]
webhooks:
  - url: https://hooks.example.com/afu9
    events: [ISSUE_CREATED]
`))
	require.NoError(t, err)
	assert.Equal(t, "acme/app", cfg.Repository())
	assert.Equal(t, "rebase", cfg.GitHub.MergeMethod)
	assert.Equal(t, 3, cfg.Loop.MaxSteps)
	assert.Equal(t, 4, cfg.Loop.BatchConcurrency)
	assert.Equal(t, []string{"ops"}, cfg.Auth.OperatorGroups)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"ISSUE_CREATED"}, cfg.Webhooks[0].Events)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"merge method":  "github:\n  merge_method: octopus\n",
		"owner only":    "github:\n  owner: acme\n",
		"webhook url":   "webhooks:\n  - url: ftp://example.com\n",
		"max steps":     "loop:\n  max_steps: 0\n",
		"base path":     "server:\n  base_path: api\n",
		"empty group":   "auth:\n  operator_groups: ['  ']\n",
		"broken yaml":   "server: [\n",
		"negative toks": "specgen:\n  max_tokens: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)

	_, err = FromFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
