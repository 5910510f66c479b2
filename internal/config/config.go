package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFile is read by LoadEnvFile when no path is given.
const EnvFile = ".env"

// Config holds all service configuration.
type Config struct {
	Server ServerConfig
	Model  ModelConfig
	Store  StoreConfig
	Log    LogConfig
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port        string
	CORSOrigins []string
	MaxUploadMB int
	UploadDir   string // empty: uploads are not kept
}

// ModelConfig locates the classifier artifact and its backbone.
type ModelConfig struct {
	Path           string
	// Backbone is "onnx" in production: a frozen pretrained MobileNetV2
	// exported to ONNX and located by BackbonePath. "colorgrid" needs no
	// model file and is the default for development and tests.
	Backbone       string
	BackbonePath   string
	ORTLibPath     string
	TreatmentsPath string
}

// StoreConfig selects the prediction history store.
type StoreConfig struct {
	DBPath string // empty: in-memory
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Pretty bool
}

// LoadEnvFile loads variables from the given files, or .env, without
// overriding ones already set. Missing files are ignored; unreadable or
// malformed ones are not.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{EnvFile}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		Server: ServerConfig{
			Port:        getenv("CROPSCAN_PORT", getenv("PORT", "8080")),
			CORSOrigins: getenvList("CROPSCAN_CORS_ORIGINS", []string{"*"}),
			MaxUploadMB: getenvInt("CROPSCAN_MAX_UPLOAD_MB", 10),
			UploadDir:   os.Getenv("CROPSCAN_UPLOAD_DIR"),
		},
		Model: ModelConfig{
			Path:           getenv("CROPSCAN_MODEL_PATH", "models/crop_disease_model.safetensors"),
			Backbone:       getenv("CROPSCAN_BACKBONE", "colorgrid"),
			BackbonePath:   os.Getenv("CROPSCAN_BACKBONE_PATH"),
			ORTLibPath:     os.Getenv("CROPSCAN_ORT_LIB_PATH"),
			TreatmentsPath: os.Getenv("CROPSCAN_TREATMENTS_PATH"),
		},
		Store: StoreConfig{
			DBPath: os.Getenv("CROPSCAN_DB_PATH"),
		},
		Log: LogConfig{
			Level:  getenv("CROPSCAN_LOG_LEVEL", "info"),
			Pretty: getenvBool("CROPSCAN_LOG_PRETTY", false),
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Server.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Server.Port))
	}
	if c.Server.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %d MB", c.Server.MaxUploadMB))
	}
	switch c.Model.Backbone {
	case "colorgrid":
	case "onnx":
		if c.Model.BackbonePath == "" {
			errs = append(errs, errors.New("onnx backbone requires CROPSCAN_BACKBONE_PATH"))
		} else if _, err := os.Stat(c.Model.BackbonePath); err != nil {
			errs = append(errs, fmt.Errorf("backbone model: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backbone %q (want colorgrid or onnx)", c.Model.Backbone))
	}
	if c.Model.TreatmentsPath != "" {
		if _, err := os.Stat(c.Model.TreatmentsPath); err != nil {
			errs = append(errs, fmt.Errorf("treatments catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getenvList splits a comma-separated value, dropping empty items.
func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
