// Package config loads klip settings from klip.yaml, a .env file and
// KLIP_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mgpai22/klip/internal/summarize"
	"github.com/mgpai22/klip/internal/transcribe"
)

const (
	DefaultFile = "klip.yaml"

	DefaultMaxSize       = "500MB"
	DefaultMargin        = 5 * time.Second
	DefaultListen        = "127.0.0.1:8790"
	DefaultArtifactTTL   = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
	DefaultCaptionLimit  = summarize.MaxCaptionRunes
)

const (
	EnvDownloadDir   = "KLIP_DOWNLOAD_DIR"
	EnvClipDir       = "KLIP_CLIP_DIR"
	EnvInboxDir      = "KLIP_INBOX_DIR"
	EnvDBPath        = "KLIP_DB_PATH"
	EnvMaxSize       = "KLIP_MAX_SIZE"
	EnvListen        = "KLIP_LISTEN"
	EnvAPIToken      = "KLIP_API_TOKEN"
	EnvMaxConcurrent = "KLIP_MAX_CONCURRENT"
	EnvLogLevel      = "KLIP_LOG_LEVEL"
	EnvTranscriber   = "KLIP_TRANSCRIBE_PROVIDER"
	EnvSummarizer    = "KLIP_SUMMARIZE_PROVIDER"
	EnvSeed          = "KLIP_SEED"
)

type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Summarize  SummarizeConfig  `yaml:"summarize"`
	Tools      ToolsConfig      `yaml:"tools"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`

	// caption length cap in runes
	CaptionLimit int `yaml:"caption_limit"`
	// multi-clip sampling seed, 0 for random
	Seed uint64 `yaml:"seed"`
}

type PathsConfig struct {
	DownloadDir string `yaml:"download_dir"`
	ClipDir     string `yaml:"clip_dir"`
	InboxDir    string `yaml:"inbox_dir"`
	DBPath      string `yaml:"db_path"`
}

type FetchConfig struct {
	MaxSize string        `yaml:"max_size"`
	Margin  time.Duration `yaml:"margin"`

	// parsed from MaxSize by Validate
	MaxBytes int64 `yaml:"-"`
}

type TranscribeConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Prompt   string `yaml:"prompt"`
	ModelDir string `yaml:"model_dir"`
	Threads  int    `yaml:"threads"`
	APIKey   string `yaml:"api_key"`
}

type SummarizeConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Prompt   string `yaml:"prompt"`
	MaxWords int    `yaml:"max_words"`
	APIKey   string `yaml:"api_key"`
}

type ToolsConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	YtDlp   string `yaml:"yt_dlp"`
	Whisper string `yaml:"whisper"`
}

type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	Token         string        `yaml:"token"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	ArtifactTTL   time.Duration `yaml:"artifact_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads path (or ./klip.yaml when path is empty and the file exists),
// applies .env and environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	file := path
	if file == "" {
		file = DefaultFile
	}
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == "":
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Paths.DownloadDir, EnvDownloadDir)
	setString(&c.Paths.ClipDir, EnvClipDir)
	setString(&c.Paths.InboxDir, EnvInboxDir)
	setString(&c.Paths.DBPath, EnvDBPath)
	setString(&c.Fetch.MaxSize, EnvMaxSize)
	setString(&c.Server.Listen, EnvListen)
	setString(&c.Server.Token, EnvAPIToken)
	setString(&c.Logging.Level, EnvLogLevel)
	setString(&c.Transcribe.Provider, EnvTranscriber)
	setString(&c.Summarize.Provider, EnvSummarizer)

	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxConcurrent, err)
		}
		c.Server.MaxConcurrent = n
	}
	if v := os.Getenv(EnvSeed); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSeed, err)
		}
		c.Seed = n
	}

	if c.Transcribe.APIKey == "" {
		c.Transcribe.APIKey = providerKey(c.Transcribe.Provider)
	}
	if c.Summarize.APIKey == "" {
		c.Summarize.APIKey = providerKey(c.Summarize.Provider)
	}
	return nil
}

func providerKey(provider string) string {
	switch provider {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// Validate fills defaults and rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Paths.DownloadDir == "" {
		c.Paths.DownloadDir = filepath.Join("data", "downloads")
	}
	if c.Paths.ClipDir == "" {
		c.Paths.ClipDir = filepath.Join("data", "clips")
	}
	if c.Paths.InboxDir == "" {
		c.Paths.InboxDir = filepath.Join("data", "inbox")
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join("data", "klip.db")
	}

	if c.Fetch.MaxSize == "" {
		c.Fetch.MaxSize = DefaultMaxSize
	}
	n, err := humanize.ParseBytes(c.Fetch.MaxSize)
	if err != nil {
		return fmt.Errorf("fetch.max_size: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fetch.max_size must be positive")
	}
	c.Fetch.MaxBytes = int64(n)
	if c.Fetch.Margin < 0 {
		return fmt.Errorf("fetch.margin must not be negative")
	}
	if c.Fetch.Margin == 0 {
		c.Fetch.Margin = DefaultMargin
	}

	switch transcribe.Provider(c.Transcribe.Provider) {
	case "":
		c.Transcribe.Provider = string(transcribe.ProviderWhisper)
	case transcribe.ProviderWhisper, transcribe.ProviderOpenAI, transcribe.ProviderGemini:
	case "none":
	default:
		return fmt.Errorf("transcribe.provider %q: use whisper, openai, gemini or none", c.Transcribe.Provider)
	}
	if c.Transcribe.Threads < 0 {
		return fmt.Errorf("transcribe.threads must not be negative")
	}

	switch summarize.Provider(c.Summarize.Provider) {
	case summarize.ProviderNone, summarize.ProviderGemini, summarize.ProviderOpenAI, summarize.ProviderAnthropic:
	default:
		return fmt.Errorf("summarize.provider %q: use gemini, openai, anthropic or leave empty", c.Summarize.Provider)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = 1
	}
	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("server.max_concurrent must be positive")
	}
	if c.Server.ArtifactTTL <= 0 {
		c.Server.ArtifactTTL = DefaultArtifactTTL
	}
	if c.Server.SweepInterval <= 0 {
		c.Server.SweepInterval = DefaultSweepInterval
	}

	if c.CaptionLimit == 0 {
		c.CaptionLimit = DefaultCaptionLimit
	}
	if c.CaptionLimit < 0 || c.CaptionLimit > summarize.MaxCaptionRunes {
		return fmt.Errorf("caption_limit must be between 1 and %d", summarize.MaxCaptionRunes)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		c.Logging.Level = strings.ToLower(c.Logging.Level)
	default:
		return fmt.Errorf("logging.level %q: use debug, info, warn or error", c.Logging.Level)
	}

	return nil
}

// TranscriptionEnabled reports whether clips should be transcribed at all.
func (c *Config) TranscriptionEnabled() bool {
	return c.Transcribe.Provider != "none"
}

// EnsureDirs creates every working directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.Paths.DownloadDir,
		c.Paths.ClipDir,
		c.Paths.InboxDir,
		filepath.Dir(c.Paths.DBPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// MaxSizeString renders the download quota for logs.
func (c *Config) MaxSizeString() string {
	return humanize.Bytes(uint64(c.Fetch.MaxBytes))
}
