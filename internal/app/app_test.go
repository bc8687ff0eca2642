package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindd/internal/config"
)

func mustDecode(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("test.json", []byte(doc))
	require.NoError(t, err)
	return cfg
}

const testConfig = `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
scheduler:
  spec: "@every 1h"
  timezone: "Asia/Jakarta"
storage:
  driver: memory
`

func clearSecrets(t *testing.T) {
	for _, k := range []string{"ADMIN_TOKEN", "CRON_SECRET", "QSTASH_TOKEN", "TELEGRAM_TOKEN", "VAPID_PUBLIC_KEY", "NEXT_PUBLIC_VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY"} {
		t.Setenv(k, "")
	}
}

func TestAppLifecycleAndReload(t *testing.T) {
	clearSecrets(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		assert.NoError(t, a.Stop(stopCtx, StopUnknown))
	}()

	assert.True(t, a.trig.Stats().Running)
	assert.False(t, a.delayed.Enabled())
	assert.False(t, a.status().VAPIDConfigured)

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 5*time.Second, 20*time.Millisecond)
	res, err := http.Get("http://" + a.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Let the watcher register before editing.
	time.Sleep(200 * time.Millisecond)
	reloaded := `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
scheduler:
  enabled: false
  spec: "@every 1h"
  timezone: "Asia/Jakarta"
storage:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(reloaded), 0o600))
	require.Eventually(t, func() bool { return !a.trig.Stats().Running }, 5*time.Second, 50*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	clearSecrets(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"spec":"cron: not a cron"}}`), 0o600))
	_, err := New(path)
	assert.Error(t, err)
}

func TestMapDispatchConfigDefaults(t *testing.T) {
	zero := 0
	dc := mapDispatchConfig(mustDecode(t, `{}`))
	assert.Equal(t, defaultRetryMax, dc.RetryMax)
	assert.Equal(t, 8, dc.Workers)
	assert.True(t, dc.DisableOnGone)

	cfg := mustDecode(t, `{"dispatcher":{"workers":3,"retry_max":0,"disable_on_gone":false,"retry_base":"1s"}}`)
	dc = mapDispatchConfig(cfg)
	assert.Equal(t, zero, dc.RetryMax)
	assert.Equal(t, 3, dc.Workers)
	assert.False(t, dc.DisableOnGone)
	assert.Equal(t, time.Second, dc.RetryBase)
}
