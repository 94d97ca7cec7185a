package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is read once at startup and threaded into constructors.
type Config struct {
	// WorkspaceRoot holds one directory per task: <WorkspaceRoot>/<taskID>.
	WorkspaceRoot string

	RenderBin     string
	RenderTimeout time.Duration

	RasterDPI float64

	Extractor      string // "tesseract" | "vision"
	TesseractLangs []string

	VisionModel      string
	VisionAPIKey     string
	VisionBaseURL    string
	VisionTimeout    time.Duration
	VisionMaxRetries int
	VisionMaxTokens  int

	MaxInflight int
	Parallel    bool

	StorageBackend string // "oss" | "gcs" | "local"
	GCSBucket      string

	OSSBucket           string
	OSSRegion           string
	OSSInternalEndpoint string
	OSSPublicEndpoint   string
	OSSPrefix           string
	OSSSignExpiry       time.Duration
	LocalStorageRoot    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StreamKey    string
	StreamGroup  string
	StreamMaxLen int64
	StreamConcur int
	ConsumerName string
	// ClaimIdle is how long a message may sit unacked before another replica takes it over.
	ClaimIdle     time.Duration
	MaxDeliveries int64
	JobTTL        time.Duration
	LockPrefix    string
	LockTTL       time.Duration
	LockRefresh   time.Duration
	MetricsAddr   string
}

// Load reads an optional .env file, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	consumer := readEnvDefault("WORKER_CONSUMER_NAME", "")
	if consumer == "" {
		consumer = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	apiKey := readEnvDefault("VISION_API_KEY", "")
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}

	return Config{
		WorkspaceRoot: readEnvDefault("WORKSPACE_ROOT", "./tmp/documents"),

		RenderBin:     readEnvDefault("RENDER_BIN", "soffice"),
		RenderTimeout: readEnvSecondsDefault("RENDER_TIMEOUT_SECONDS", 60*time.Second),

		RasterDPI: float64(readEnvIntDefault("RASTER_DPI", 200)),

		Extractor:      strings.ToLower(readEnvDefault("EXTRACTOR", "tesseract")),
		TesseractLangs: splitList(readEnvDefault("TESSERACT_LANGS", "eng")),

		VisionModel:      readEnvDefault("VISION_MODEL", "gpt-4o"),
		VisionAPIKey:     apiKey,
		VisionBaseURL:    readEnvDefault("VISION_BASE_URL", ""),
		VisionTimeout:    readEnvSecondsDefault("VISION_TIMEOUT_SECONDS", 120*time.Second),
		VisionMaxRetries: readEnvIntDefault("VISION_MAX_RETRIES", 3),
		VisionMaxTokens:  readEnvIntDefault("VISION_MAX_TOKENS", 4096),

		MaxInflight: readEnvIntDefault("COMPARE_MAX_INFLIGHT", 4),
		Parallel:    readEnvBool("COMPARE_PARALLEL", true),

		StorageBackend: strings.ToLower(readEnvDefault("STORAGE_BACKEND", "oss")),
		GCSBucket:      readEnvDefault("GCS_BUCKET", ""),

		OSSBucket:           readEnvDefault("OSS_BUCKET", ""),
		OSSRegion:           readEnvDefault("OSS_REGION", ""),
		OSSInternalEndpoint: readEnvDefault("OSS_ENDPOINT_INTERNAL", ""),
		OSSPublicEndpoint:   readEnvDefault("OSS_ENDPOINT_PUBLIC", ""),
		OSSPrefix:           readEnvDefault("OSS_PREFIX", "documents"),
		OSSSignExpiry:       readEnvSecondsDefault("OSS_SIGN_EXPIRE_SECONDS", 10*time.Minute),
		LocalStorageRoot:    readEnvDefault("LOCAL_STORAGE_ROOT", "./tmp/storage"),

		RedisAddr:     readEnvDefault("REDIS_ADDR", ""),
		RedisPassword: readEnvDefault("REDIS_PASSWORD", ""),
		RedisDB:       readEnvIntDefault("REDIS_DB", 0),

		StreamKey:     readEnvDefault("COMPARE_STREAM_KEY", "docdiff:comparejobs:stream"),
		StreamGroup:   readEnvDefault("COMPARE_STREAM_GROUP", "docdiff-compare"),
		StreamMaxLen:  int64(readEnvIntDefault("COMPARE_STREAM_MAXLEN", 100000)),
		StreamConcur:  readEnvIntDefault("STREAM_CONCURRENCY", 4),
		ConsumerName:  consumer,
		ClaimIdle:     readEnvSecondsDefault("STREAM_CLAIM_IDLE_SECONDS", 5*time.Minute),
		MaxDeliveries: int64(readEnvIntDefault("STREAM_MAX_DELIVERIES", 5)),
		JobTTL:        readEnvSecondsDefault("COMPARE_JOB_TTL_SECONDS", 7*24*time.Hour),
		LockPrefix:    readEnvDefault("COMPARE_JOB_LOCK_PREFIX", "docdiff:lock:comparejob:"),
		LockTTL:       readEnvSecondsDefault("COMPARE_JOB_LOCK_TTL_SECONDS", 2*time.Hour),
		LockRefresh:   readEnvSecondsDefault("COMPARE_JOB_LOCK_REFRESH_SECONDS", 30*time.Second),
		MetricsAddr:   readEnvDefault("METRICS_ADDR", ":9090"),
	}
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func readEnvSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}

func readEnvBool(key string, defaultVal bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '+' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
