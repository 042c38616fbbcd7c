package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`

	// external collaborators
	Gateway struct {
		Addr      string   `yaml:"addr"`
		Providers []string `yaml:"providers"` // generation providers in preference order
	} `yaml:"gateway"`
	Analyzer struct {
		Addr string `yaml:"addr"` // empty means the quality analyzer is not configured
	} `yaml:"analyzer"`

	Render struct {
		Addr                string  `yaml:"addr"`
		CompositionID       string  `yaml:"composition_id"`
		FrameRate           int     `yaml:"frame_rate"`
		ChunkThresholdSec   float64 `yaml:"chunk_threshold_sec"`    // above this total duration, render in chunks
		ChunkMaxSec         float64 `yaml:"chunk_max_sec"`          // max source seconds per chunk
		BackendHardLimitSec float64 `yaml:"backend_hard_limit_sec"` // serverless execution hard limit
		RenderTimeFactor    float64 `yaml:"render_time_factor"`     // est. render time = source duration x factor
		MaxConcurrentChunks int     `yaml:"max_concurrent_chunks"`
		TimeoutMin          int     `yaml:"timeout_min"` // absolute render timeout, minutes
		StallMin            int     `yaml:"stall_min"`   // no-progress window, minutes
		PollIntervalSec     int     `yaml:"poll_interval_sec"`
		FFmpegPath          string  `yaml:"ffmpeg_path"`
		ScratchDir          string  `yaml:"scratch_dir"`
	} `yaml:"render"`

	Quality struct {
		ApproveThreshold    float64 `yaml:"approve_threshold"`
		HardFailThreshold   float64 `yaml:"hard_fail_threshold"`
		MinOverallScore     float64 `yaml:"min_overall_score"`
		MajorIssueAllowance int     `yaml:"major_issue_allowance"`
	} `yaml:"quality"`

	Regen struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"regen"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("read config failed: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("parse config failed: %v", err)
	}
	ApplyDefaults(AppConfig)
}

// ApplyDefaults fills orchestration parameters so a sparse config file still works.
func ApplyDefaults(c *Config) {
	if c.Render.FrameRate <= 0 {
		c.Render.FrameRate = 30
	}
	if c.Render.ChunkThresholdSec <= 0 {
		c.Render.ChunkThresholdSec = 90
	}
	if c.Render.ChunkMaxSec <= 0 {
		c.Render.ChunkMaxSec = 120
	}
	if c.Render.BackendHardLimitSec <= 0 {
		c.Render.BackendHardLimitSec = 840
	}
	if c.Render.RenderTimeFactor <= 0 {
		c.Render.RenderTimeFactor = 4
	}
	if c.Render.MaxConcurrentChunks <= 0 {
		c.Render.MaxConcurrentChunks = 3
	}
	if c.Render.TimeoutMin <= 0 {
		c.Render.TimeoutMin = 15
	}
	if c.Render.StallMin <= 0 {
		c.Render.StallMin = 3
	}
	if c.Render.PollIntervalSec <= 0 {
		c.Render.PollIntervalSec = 3
	}
	if c.Render.FFmpegPath == "" {
		c.Render.FFmpegPath = "ffmpeg"
	}
	if c.Render.CompositionID == "" {
		c.Render.CompositionID = "PromoVideo"
	}
	if c.Quality.ApproveThreshold <= 0 {
		c.Quality.ApproveThreshold = 85
	}
	if c.Quality.HardFailThreshold <= 0 {
		c.Quality.HardFailThreshold = 70
	}
	if c.Quality.MinOverallScore <= 0 {
		c.Quality.MinOverallScore = 75
	}
	if c.Quality.MajorIssueAllowance <= 0 {
		c.Quality.MajorIssueAllowance = 3
	}
	if c.Regen.MaxAttempts <= 0 {
		c.Regen.MaxAttempts = 3
	}
	if len(c.Gateway.Providers) == 0 {
		c.Gateway.Providers = []string{"flux", "sdxl", "kling"}
	}
}
