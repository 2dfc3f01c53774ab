// Package config provides YAML-based configuration loading for Lokal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Lokal configuration, loaded from lokal.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Governor GovernorConfig `yaml:"governor"`
	Detector DetectorConfig `yaml:"detector"`
	Vision   VisionConfig   `yaml:"vision"`
	Cache    CacheConfig    `yaml:"cache"`
	Notify   NotifyConfig   `yaml:"notify"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

// DatabaseConfig selects the durable store. Driver is "mysql" or "sqlite".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file path
}

// RedisConfig holds connection settings for the shared cache and rate counters.
// An empty Address selects the in-process implementations.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// PipelineConfig holds per-job defaults, cost ceilings and retry policy.
type PipelineConfig struct {
	WorkDir string `yaml:"work_dir"`

	MaxFrames           int     `yaml:"max_frames"`
	FrameInterval       float64 `yaml:"frame_interval"` // seconds between extracted frames
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxObjectsPerFrame  int     `yaml:"max_objects_per_frame"`
	MaxAnalysisCalls    int     `yaml:"max_analysis_calls"`

	Ceilings Ceilings `yaml:"ceilings"`

	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	FallbackEnabled *bool         `yaml:"fallback_enabled"`
	DetectorTimeout time.Duration `yaml:"detector_timeout"`

	BatchSize   int           `yaml:"batch_size"`
	BatchDelay  time.Duration `yaml:"batch_delay"`
	MinCropSize int           `yaml:"min_crop_size"`
	MinHits     int           `yaml:"min_hits"`
	Blocklist   []string      `yaml:"blocklist"`
	LowDetail   *bool         `yaml:"low_detail"`

	ArtifactRetention time.Duration `yaml:"artifact_retention"`
	JanitorSchedule   string        `yaml:"janitor_schedule"`
}

// Ceilings are the hard upper bounds applied to per-job options before the
// detect stage runs.
type Ceilings struct {
	MaxFrames          int     `yaml:"max_frames"`
	MaxObjectsPerFrame int     `yaml:"max_objects_per_frame"`
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxConfidence      float64 `yaml:"max_confidence"`
	MaxAnalysisCalls   int     `yaml:"max_analysis_calls"`
}

// ScoringConfig overrides the scoring weights. Unset fields keep the
// defaults; an explicit zero is a valid override.
type ScoringConfig struct {
	ExactUserTagWeight   *float64 `yaml:"exact_user_tag_weight"`
	ExactTermWeight      *float64 `yaml:"exact_term_weight"`
	PartialUserTagWeight *float64 `yaml:"partial_user_tag_weight"`
	PartialTermWeight    *float64 `yaml:"partial_term_weight"`
	CategoryWeight       *float64 `yaml:"category_weight"`
	HighRatingBonus      *float64 `yaml:"high_rating_bonus"`
	HighRatingThreshold  *float64 `yaml:"high_rating_threshold"`
	MinScore             *float64 `yaml:"min_score"`
	MinPartialLength     *int     `yaml:"min_partial_length"`
	TopNPerObject        *int     `yaml:"top_n_per_object"`
	TopNOverall          *int     `yaml:"top_n_overall"`
	UserTagBlend         *float64 `yaml:"user_tag_blend"`
	SearchTermBlend      *float64 `yaml:"search_term_blend"`
	DetectorBlend        *float64 `yaml:"detector_blend"`
}

// GovernorConfig configures rate limits and admission control.
type GovernorConfig struct {
	UploadLimit       int           `yaml:"upload_limit"`
	UploadWindow      time.Duration `yaml:"upload_window"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
	MaxHeapFraction   float64       `yaml:"max_heap_fraction"`
	HeapLimitMB       int           `yaml:"heap_limit_mb"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	VisionRPS         float64       `yaml:"vision_rps"`
	VisionBurst       int           `yaml:"vision_burst"`
}

// DetectorConfig describes how the out-of-process detector is launched.
type DetectorConfig struct {
	Command      string  `yaml:"command"`
	Script       string  `yaml:"script"`
	IoUThreshold float64 `yaml:"iou_threshold"`
}

// VisionConfig configures the vision-language service.
type VisionConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" or "heuristic"
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// CacheConfig holds TTLs for memoized collaborator answers.
type CacheConfig struct {
	DescriptionTTL time.Duration `yaml:"description_ttl"`
	DetectionTTL   time.Duration `yaml:"detection_ttl"`
}

// NotifyConfig enables chat notifications for terminal job states.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// CatalogConfig points at the product catalog source.
type CatalogConfig struct {
	Source string `yaml:"source"` // "file" or "db"
	Path   string `yaml:"path"`
}

// Fallback reports whether stage fallbacks are enabled.
func (p PipelineConfig) Fallback() bool {
	return p.FallbackEnabled == nil || *p.FallbackEnabled
}

// LowDetailVision reports whether vision calls use the low-detail mode.
func (p PipelineConfig) LowDetailVision() bool {
	return p.LowDetail == nil || *p.LowDetail
}

// DefaultBlocklist is the set of detector classes that are never products.
var DefaultBlocklist = []string{
	"person", "background", "sky", "wall", "floor", "ceiling",
	"tree", "grass", "road", "building", "mountain", "sea", "water",
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// single-machine runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv overlays secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Vision.APIKey == "" {
		c.Vision.APIKey = v
	}
	if v := os.Getenv("LOKAL_REDIS_ADDR"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" && c.Notify.Slack.BotToken == "" {
		c.Notify.Slack.BotToken = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" && c.Notify.Discord.BotToken == "" {
		c.Notify.Discord.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "lokal.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "lokal"
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	p := &c.Pipeline
	if p.WorkDir == "" {
		p.WorkDir = filepath.Join(os.TempDir(), "lokal")
	}
	if p.MaxFrames == 0 {
		p.MaxFrames = 30
	}
	if p.FrameInterval == 0 {
		p.FrameInterval = 0.5
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 0.5
	}
	if p.MaxObjectsPerFrame == 0 {
		p.MaxObjectsPerFrame = 10
	}
	if p.MaxAnalysisCalls == 0 {
		p.MaxAnalysisCalls = 10
	}
	if p.Ceilings.MaxFrames == 0 {
		p.Ceilings.MaxFrames = 60
	}
	if p.Ceilings.MaxObjectsPerFrame == 0 {
		p.Ceilings.MaxObjectsPerFrame = 20
	}
	if p.Ceilings.MinConfidence == 0 {
		p.Ceilings.MinConfidence = 0.3
	}
	if p.Ceilings.MaxConfidence == 0 {
		p.Ceilings.MaxConfidence = 0.95
	}
	if p.Ceilings.MaxAnalysisCalls == 0 {
		p.Ceilings.MaxAnalysisCalls = 25
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = time.Second
	}
	if p.FallbackEnabled == nil {
		enabled := true
		p.FallbackEnabled = &enabled
	}
	if p.DetectorTimeout == 0 {
		p.DetectorTimeout = 5 * time.Minute
	}
	if p.BatchSize == 0 {
		p.BatchSize = 3
	}
	if p.BatchDelay == 0 {
		p.BatchDelay = time.Second
	}
	if p.MinCropSize == 0 {
		p.MinCropSize = 50
	}
	if p.MinHits == 0 {
		p.MinHits = 2
	}
	if len(p.Blocklist) == 0 {
		p.Blocklist = append([]string(nil), DefaultBlocklist...)
	}
	if p.LowDetail == nil {
		low := true
		p.LowDetail = &low
	}
	if p.ArtifactRetention == 0 {
		p.ArtifactRetention = 24 * time.Hour
	}
	if p.JanitorSchedule == "" {
		p.JanitorSchedule = "@every 1h"
	}

	g := &c.Governor
	if g.UploadLimit == 0 {
		g.UploadLimit = 10
	}
	if g.UploadWindow == 0 {
		g.UploadWindow = time.Hour
	}
	if g.MaxConcurrentJobs == 0 {
		g.MaxConcurrentJobs = 4
	}
	if g.MaxQueueDepth == 0 {
		g.MaxQueueDepth = 50
	}
	if g.MaxHeapFraction == 0 {
		g.MaxHeapFraction = 0.85
	}
	if g.HeapLimitMB == 0 {
		g.HeapLimitMB = 2048
	}
	if g.SampleInterval == 0 {
		g.SampleInterval = 10 * time.Second
	}
	if g.VisionRPS == 0 {
		g.VisionRPS = 2
	}
	if g.VisionBurst == 0 {
		g.VisionBurst = 1
	}

	if c.Detector.Command == "" {
		c.Detector.Command = "python3"
	}
	if c.Detector.Script == "" {
		c.Detector.Script = "scripts/tracking_service.py"
	}
	if c.Detector.IoUThreshold == 0 {
		c.Detector.IoUThreshold = 0.45
	}

	if c.Vision.Provider == "" {
		if c.Vision.APIKey != "" {
			c.Vision.Provider = "anthropic"
		} else {
			c.Vision.Provider = "heuristic"
		}
	}
	if c.Vision.Model == "" {
		c.Vision.Model = "claude-sonnet-4-5"
	}
	if c.Vision.MaxTokens == 0 {
		c.Vision.MaxTokens = 500
	}

	if c.Cache.DescriptionTTL == 0 {
		c.Cache.DescriptionTTL = 7 * 24 * time.Hour
	}
	if c.Cache.DetectionTTL == 0 {
		c.Cache.DetectionTTL = 24 * time.Hour
	}

	if c.Catalog.Source == "" {
		c.Catalog.Source = "file"
	}
	if c.Catalog.Source == "file" && c.Catalog.Path == "" {
		c.Catalog.Path = "catalog.json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	p := c.Pipeline
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		errs = append(errs, "pipeline.confidence_threshold must be within [0,1]")
	}
	if p.Ceilings.MinConfidence > p.Ceilings.MaxConfidence {
		errs = append(errs, "pipeline.ceilings.min_confidence must not exceed max_confidence")
	}
	if p.MaxRetries < 1 {
		errs = append(errs, "pipeline.max_retries must be at least 1")
	}
	if p.MinHits < 2 {
		errs = append(errs, "pipeline.min_hits must be at least 2")
	}
	if p.BatchSize < 1 {
		errs = append(errs, "pipeline.batch_size must be at least 1")
	}
	switch c.Vision.Provider {
	case "anthropic":
		if c.Vision.APIKey == "" {
			errs = append(errs, "vision.api_key (or ANTHROPIC_API_KEY) is required for the anthropic provider")
		}
	case "heuristic":
	default:
		errs = append(errs, fmt.Sprintf("vision.provider %q must be anthropic or heuristic", c.Vision.Provider))
	}
	switch c.Catalog.Source {
	case "file":
		if c.Catalog.Path == "" {
			errs = append(errs, "catalog.path is required for the file source")
		}
	case "db":
	default:
		errs = append(errs, fmt.Sprintf("catalog.source %q must be file or db", c.Catalog.Source))
	}
	errs = append(errs, c.Scoring.validate()...)
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required when a bot token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s ScoringConfig) validate() []string {
	var errs []string
	for name, v := range map[string]*float64{
		"exact_user_tag_weight":   s.ExactUserTagWeight,
		"exact_term_weight":       s.ExactTermWeight,
		"partial_user_tag_weight": s.PartialUserTagWeight,
		"partial_term_weight":     s.PartialTermWeight,
		"category_weight":         s.CategoryWeight,
		"high_rating_bonus":       s.HighRatingBonus,
		"high_rating_threshold":   s.HighRatingThreshold,
		"min_score":               s.MinScore,
		"user_tag_blend":          s.UserTagBlend,
		"search_term_blend":       s.SearchTermBlend,
		"detector_blend":          s.DetectorBlend,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, "scoring."+name+" must not be negative")
		}
	}
	for name, v := range map[string]*int{
		"min_partial_length": s.MinPartialLength,
		"top_n_per_object":   s.TopNPerObject,
		"top_n_overall":      s.TopNOverall,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, "scoring."+name+" must not be negative")
		}
	}
	sort.Strings(errs)
	return errs
}
