package config

import (
	"path/filepath"
	"time"

	"agriscan/utils"
)

// Config holds every runtime knob. Values come from the environment (and
// .env, loaded by the caller) with defaults matching the reference deployment.
type Config struct {
	Host     string
	Port     string
	Protocol string
	CertFile string
	CertKey  string

	DataDir    string
	DBType     string
	SQLitePath string
	MongoURI   string
	MongoDB    string

	ModelServiceURL     string
	ModelTimeout        time.Duration
	LabelsPath          string
	ConfidenceThreshold float64
	IoUThreshold        float64
	ImageSize           int

	TrackingHistorySize  int
	TrackingStableFrames int
	TrackingSessionTTL   time.Duration
	TrackingMaxSessions  int
	BatchConcurrency     int

	UseOnlineRAG         bool
	GeminiAPIKey         string
	GeminiFallbackAPIKey string
	GeminiModels         []string
	GeminiFallbackModels []string
	LLMTimeout           time.Duration
	LLMMaxConcurrent     int
	LLMRatePerMinute     int

	KnowledgeBasePath string
	MaxContentLength  int64
	CORSOrigins       []string

	LogLevel string
	LogFile  string
}

var (
	defaultGeminiModels = []string{
		"gemini-2.5-flash",
		"gemini-2.0-flash",
		"gemini-flash-latest",
		"gemini-2.5-pro",
	}
	defaultGeminiFallbackModels = []string{
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
)

func Load() Config {
	dataDir := utils.GetEnv("DATA_DIR", "data")

	cfg := Config{
		Host:     utils.GetEnv("HOST", "0.0.0.0"),
		Port:     utils.GetEnv("PORT", "5000"),
		Protocol: utils.GetEnv("PROTO", "http"),
		CertFile: utils.GetEnv("CERT_FILE"),
		CertKey:  utils.GetEnv("CERT_KEY"),

		DataDir:    dataDir,
		DBType:     utils.GetEnv("DB_TYPE", "sqlite"),
		SQLitePath: utils.GetEnv("SQLITE_PATH", filepath.Join(dataDir, "agriscan.db")),
		MongoURI:   utils.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:    utils.GetEnv("MONGO_DB", "agriscan"),

		ModelServiceURL:     utils.GetEnv("MODEL_SERVICE_URL", "http://localhost:5001"),
		ModelTimeout:        utils.GetEnvDuration("MODEL_TIMEOUT", 30*time.Second),
		LabelsPath:          utils.GetEnv("LABELS_PATH", filepath.Join("yolo_dataset", "labels.txt")),
		ConfidenceThreshold: utils.GetEnvFloat("CONFIDENCE_THRESHOLD", 0.5),
		IoUThreshold:        utils.GetEnvFloat("IOU_THRESHOLD", 0.45),
		ImageSize:           utils.GetEnvInt("IMG_SIZE", 640),

		TrackingHistorySize:  utils.GetEnvInt("TRACKING_HISTORY_SIZE", 45),
		TrackingStableFrames: utils.GetEnvInt("TRACKING_STABLE_FRAMES", 5),
		TrackingSessionTTL:   utils.GetEnvDuration("TRACKING_SESSION_TTL", 30*time.Minute),
		TrackingMaxSessions:  utils.GetEnvInt("TRACKING_MAX_SESSIONS", 1000),
		BatchConcurrency:     utils.GetEnvInt("BATCH_CONCURRENCY", 4),

		UseOnlineRAG:         utils.GetEnvBool("USE_ONLINE_RAG", false),
		GeminiAPIKey:         utils.GetEnv("GEMINI_API_KEY"),
		GeminiFallbackAPIKey: utils.GetEnv("GEMINI_FALLBACK_API_KEY"),
		GeminiModels:         utils.GetEnvList("GEMINI_MODELS", defaultGeminiModels),
		GeminiFallbackModels: utils.GetEnvList("GEMINI_FALLBACK_MODELS", defaultGeminiFallbackModels),
		LLMTimeout:           utils.GetEnvDuration("LLM_TIMEOUT", 10*time.Second),
		LLMMaxConcurrent:     utils.GetEnvInt("LLM_MAX_CONCURRENT", 2),
		LLMRatePerMinute:     utils.GetEnvInt("LLM_RATE_PER_MINUTE", 30),

		KnowledgeBasePath: utils.GetEnv("KNOWLEDGE_BASE_PATH", filepath.Join(dataDir, "disease_knowledge.json")),
		MaxContentLength:  int64(utils.GetEnvInt("MAX_CONTENT_LENGTH", 16<<20)),
		CORSOrigins:       utils.GetEnvList("CORS_ORIGINS", []string{"*"}),

		LogLevel: utils.GetEnv("LOG_LEVEL", "info"),
		LogFile:  utils.GetEnv("LOG_FILE", filepath.Join(dataDir, "api.log")),
	}

	if cfg.GeminiFallbackAPIKey == "" {
		cfg.GeminiFallbackAPIKey = cfg.GeminiAPIKey
	}

	return cfg
}

// OnlineEnabled reports whether the generative fallback may be attempted.
// Either provider key is enough.
func (c Config) OnlineEnabled() bool {
	return c.UseOnlineRAG && (c.GeminiAPIKey != "" || c.GeminiFallbackAPIKey != "")
}
