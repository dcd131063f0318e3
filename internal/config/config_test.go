package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/rules"
)

const sampleYAML = `
user:
  student_id: "1800012345"
  password: "from-file"
client:
  poll_interval: 2s
  pool_size: 3
portal:
  base_url: "https://elective.example.edu"
courses:
  - { id: a, name: "Linear Algebra", class: "1", school: "Math" }
  - { id: b, name: "Linear Algebra", class: "2", school: "Math" }
  - { id: c, name: "Tennis", class: "3", school: "PE" }
mutexes:
  - { id: la, courses: [a, b] }
delays:
  - { id: d1, course: c, threshold: 30 }
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndBuildSnapshot(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
	require.NoError(t, Validate(cfg))

	snap, err := BuildSnapshot(cfg)
	require.NoError(t, err)
	assert.Len(t, snap.Courses(), 3)
	assert.Equal(t, 2*time.Second, snap.Client().PollInterval)
	assert.Equal(t, 3, snap.Client().PoolSize)
	assert.Equal(t, 100, snap.Client().MaxLifeUses)
	assert.True(t, snap.Client().ObserveDelayed)
	assert.Equal(t, Version(cfg), snap.Version())

	g, ok := snap.MutexOf("a")
	require.True(t, ok)
	assert.Equal(t, "la", g.ID)
	d, ok := snap.DelayOf("c")
	require.True(t, ok)
	assert.Equal(t, 30, d.Threshold)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"user":{"student_id":"1"},"bogus":1}`))
	require.Error(t, err)

	_, err = ParseBytes("c.json", []byte(`{"user":{"student_id":"1"}} {}`))
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("AUTOELECT_PASSWORD", "from-env")
	t.Setenv("AUTOELECT_MONITOR_TOKEN", "tok")
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.User.Password)
	assert.Equal(t, "tok", cfg.Monitor.Token)
	assert.Equal(t, "from-env", cfg.Credentials().Password)
}

func TestEnvLeavesFileValueWhenUnset(t *testing.T) {
	t.Setenv("AUTOELECT_PASSWORD", "")
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.User.Password)
}

func TestClientParamsExplicitZeroes(t *testing.T) {
	zero := 0
	off := false
	p, err := ClientConfig{MaxLifeUses: &zero, ObserveDelayed: &off}.ClientParams()
	require.NoError(t, err)
	assert.Equal(t, 0, p.MaxLifeUses)
	assert.False(t, p.ObserveDelayed)
}

func TestClientParamsReportsEveryBadDuration(t *testing.T) {
	_, err := ClientConfig{PollInterval: "soon", Jitter: "-1s"}.ClientParams()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.poll_interval")
	assert.Contains(t, err.Error(), "client.jitter")
}

func TestValidate(t *testing.T) {
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	cfg.User.DualDegree = true
	cfg.Portal.BaseURL = ""
	cfg.Storage = &StorageConfig{Driver: "redis"}
	cfg.Tracing.SampleRatio = 2
	cfg.Delays = append(cfg.Delays, DelayConfig{ID: "d2", Course: "zzz", Threshold: 1})

	err = Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"user.identity", "portal.base_url", "storage.driver", "tracing.sample_ratio", `"zzz"`} {
		assert.Contains(t, err.Error(), want)
	}
	assert.True(t, errors.Is(err, rules.ErrInvalidConfig))
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.Delays[0].Threshold = 10
	newCfg.Monitor.Token = "secret"
	newCfg.Partitions = [][]string{{"a", "b"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"delays", "monitor", "partitions"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"partitions"}, NeedsRestart(changed))

	// An omitted notifier section equals the defaults.
	d := DefaultNotifier()
	newCfg = oldCfg
	withN := *oldCfg
	withN.Notifier = &d
	changed, _ = SummarizeConfigChange(newCfg, &withN)
	assert.NotContains(t, changed, "notifier")
}

func TestWatchPublishesValidChangesOnly(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid: unknown course in mutex group. Must not be published.
	bad := strings.Replace(sampleYAML, "mutexes:\n  - { id: la, courses: [a, b] }\n", "mutexes:\n  - { id: la, courses: [a, b] }\n  - { id: x, courses: [a, nope] }\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	case <-time.After(300 * time.Millisecond):
	}

	good := strings.Replace(sampleYAML, "threshold: 30", "threshold: 25", 1)
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))
	select {
	case cfg := <-ch:
		require.Equal(t, 25, cfg.Delays[0].Threshold)
		require.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("valid config was not published")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestYAMLAnchorsAndMerge(t *testing.T) {
	doc := `
user: { student_id: "1" }
portal: { base_url: "http://p" }
courses:
  - &la { id: a, name: "Linear Algebra", class: "1", school: "Math" }
  - { <<: *la, id: b, class: "2" }
`
	cfg, err := ParseBytes("c.yml", []byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.Courses, 2)
	assert.Equal(t, "b", cfg.Courses[1].ID)
	assert.Equal(t, "Linear Algebra", cfg.Courses[1].Name)
	assert.Equal(t, "Math", cfg.Courses[1].School)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("client.jitter", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("client.jitter", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("client.jitter", "-1s")
	assert.ErrorContains(t, err, "client.jitter")
	_, err = ParseDurationField("client.jitter", "soon")
	assert.ErrorContains(t, err, `invalid duration "soon"`)
}
