package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untibullet/pr-automerge/internal/models"
)

const sampleConfig = `
dry_run = true

[github]
token = "file-token"

[logger]
level = "debug"
format = "console"

[[repos]]
name = "acme/widgets"
needs_description_label = "needs-description"
reviewed_label = "reviewed"
ci_passed_label = "ci-passed"
block_merge_label = "block-merge"
skip_review_label = "trivial"
required_statuses = ["build", " lint ", ""]
automerge_grace_period = 30
merge_method = "squash"
comment_requests_change = true
react_to_comments = true
merge_delay = "2s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ParsesTOML(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.Equal(t, "file-token", cfg.GitHub.Token)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 10*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.Database.Enabled())

	require.Len(t, cfg.Repos, 1)
	repo := cfg.Repos[0]
	assert.Equal(t, []string{"build", "lint"}, repo.RequiredStatuses)
	assert.Equal(t, models.MergeMethodSquash, repo.Method())
	assert.Equal(t, 2*time.Second, repo.MergeDelay)
	assert.True(t, repo.CommentRequestsChange)

	grace, ok := repo.GracePeriod()
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, grace)

	ref, err := repo.Ref()
	require.NoError(t, err)
	assert.Equal(t, models.RepoRef{Owner: "acme", Name: "widgets"}, ref)
	assert.Equal(t, "acme/widgets", ref.String())

	found, ok := cfg.Repo("ACME/widgets")
	assert.True(t, ok)
	assert.True(t, found.IsRequiredStatus("lint"))
	assert.False(t, found.IsRequiredStatus("deploy"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.GitHub.Token)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			GitHub: GitHubConfig{Token: "t"},
			Queue:  QueueConfig{MaxAttempts: 3},
			Repos:  []RepoConfig{{Name: "acme/widgets", RequiredStatuses: []string{"build"}}},
		}
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing token", func(c *Config) { c.GitHub.Token = " " }},
		{"no repos", func(c *Config) { c.Repos = nil }},
		{"bad repo name", func(c *Config) { c.Repos[0].Name = "widgets" }},
		{"no required statuses", func(c *Config) { c.Repos[0].RequiredStatuses = []string{" "} }},
		{"unknown merge method", func(c *Config) { c.Repos[0].MergeMethod = "octopus" }},
		{"negative grace period", func(c *Config) { c.Repos[0].AutomergeGracePeriod = -1 }},
		{"duplicate repo", func(c *Config) { c.Repos = append(c.Repos, c.Repos[0]) }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrConfiguration)
		})
	}
}

func TestRepoConfig_Defaults(t *testing.T) {
	repo := RepoConfig{Name: "acme/widgets"}

	_, ok := repo.GracePeriod()
	assert.False(t, ok)
	assert.Equal(t, models.MergeMethodMerge, repo.Method())
}
