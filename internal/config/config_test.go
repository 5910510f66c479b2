package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "CROPSCAN_PORT", "CROPSCAN_CORS_ORIGINS", "CROPSCAN_MAX_UPLOAD_MB",
	"CROPSCAN_UPLOAD_DIR", "CROPSCAN_MODEL_PATH", "CROPSCAN_BACKBONE",
	"CROPSCAN_BACKBONE_PATH", "CROPSCAN_ORT_LIB_PATH", "CROPSCAN_TREATMENTS_PATH",
	"CROPSCAN_DB_PATH", "CROPSCAN_LOG_LEVEL", "CROPSCAN_LOG_PRETTY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 10, cfg.Server.MaxUploadMB)
	assert.Empty(t, cfg.Server.UploadDir)
	assert.Equal(t, "models/crop_disease_model.safetensors", cfg.Model.Path)
	assert.Equal(t, "colorgrid", cfg.Model.Backbone)
	assert.Empty(t, cfg.Store.DBPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("CROPSCAN_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("CROPSCAN_MAX_UPLOAD_MB", "25")
	t.Setenv("CROPSCAN_DB_PATH", "/var/lib/cropscan/history.db")
	t.Setenv("CROPSCAN_LOG_PRETTY", "true")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 25, cfg.Server.MaxUploadMB)
	assert.Equal(t, "/var/lib/cropscan/history.db", cfg.Store.DBPath)
	assert.True(t, cfg.Log.Pretty)

	t.Setenv("CROPSCAN_PORT", "9100")
	assert.Equal(t, "9100", Load().Server.Port)
}

func TestGetenvFallbacks(t *testing.T) {
	const key = "CROPSCAN_TEST_VALUE"
	tests := []struct {
		name string
		val  string
		i    int
		b    bool
	}{
		{"empty", "", 7, true},
		{"valid", "3", 3, true},
		{"invalid", "abc", 7, true},
		{"bool false", "false", 7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.val)
			assert.Equal(t, tt.i, getenvInt(key, 7))
			assert.Equal(t, tt.b, getenvBool(key, true))
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.Server.Port = "http"
	cfg.Server.MaxUploadMB = 0
	cfg.Model.Backbone = "resnet"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"port", "upload", "backbone"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ONNXBackbone(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.Model.Backbone = "onnx"
	assert.ErrorContains(t, cfg.Validate(), "CROPSCAN_BACKBONE_PATH")

	cfg.Model.BackbonePath = filepath.Join(t.TempDir(), "missing.onnx")
	assert.Error(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "mobilenet_v2.onnx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	cfg.Model.BackbonePath = path
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CROPSCAN_MAX_UPLOAD_MB=4\nCROPSCAN_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("CROPSCAN_LOG_LEVEL", "warn")
	os.Unsetenv("CROPSCAN_MAX_UPLOAD_MB")

	require.NoError(t, LoadEnvFile(path, filepath.Join(t.TempDir(), "missing.env")))
	cfg := Load()
	assert.Equal(t, 4, cfg.Server.MaxUploadMB)
	assert.Equal(t, "warn", cfg.Log.Level, "existing variables win")
}

func TestLoadEnvFileReportsMalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.env")
	require.NoError(t, os.WriteFile(path, []byte("CROPSCAN_PORT=9000\nBAD-KEY=1\n"), 0o644))

	err := LoadEnvFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)

	assert.Error(t, LoadEnvFile(t.TempDir()), "a directory is not an env file")
}
