package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/voxlink/internal/config"
	"github.com/ent0n29/voxlink/internal/settings"
)

func TestBuildWiresEngineOnSimulator(t *testing.T) {
	cfg := config.Defaults()
	cfg.MetricsNamespace = "test_app_" + time.Now().Format("150405000000")
	cfg.SettingsPath = filepath.Join(t.TempDir(), "settings.json")
	cfg.WakeKeyword = "hey lamp"
	cfg.DefaultVolume = 6

	res, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "file", res.StoreMode)
	assert.Equal(t, "hey lamp", res.Settings.Get(settings.KeyWakeKeyword))
	assert.Equal(t, "Hey Lamp", res.Settings.Get(settings.KeyDisplayText))
	assert.Equal(t, 6, res.Bridge.Volume())

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()

	notReady, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	notReady.Body.Close()
	if notReady.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before Run = %d, want %d", notReady.StatusCode, http.StatusServiceUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- res.Coordinator.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !res.Detector.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("wakeword detector never armed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "hey lamp", res.Detector.Keyword())
	assert.Equal(t, 1, res.Codec.Opens())

	ready, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, res.Cleanup())
}

func TestVolumeSetOverHTTPSurvivesRestart(t *testing.T) {
	cfg := config.Defaults()
	cfg.SettingsPath = filepath.Join(t.TempDir(), "settings.json")
	cfg.DefaultVolume = 6

	cfg.MetricsNamespace = "test_volume_a_" + time.Now().Format("150405000000")
	first, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(first.API.Router())
	res, err := http.Post(ts.URL+"/v1/volume", "application/json", strings.NewReader(`{"level":3}`))
	require.NoError(t, err)
	res.Body.Close()
	ts.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3, first.Bridge.Volume())
	assert.Equal(t, "3", first.Settings.Get(settings.KeyVolume))
	require.NoError(t, first.Cleanup())

	cfg.MetricsNamespace = "test_volume_b_" + time.Now().Format("150405000000")
	second, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer second.Cleanup()
	if got := second.Bridge.Volume(); got != 3 {
		t.Fatalf("volume after restart = %d, want 3", got)
	}
}

func TestDisplayTextCapitalizesWords(t *testing.T) {
	assert.Equal(t, "Hey Assistant", displayText("hey  assistant"))
	assert.Equal(t, "", displayText(""))
}
