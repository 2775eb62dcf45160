// Package config defines Ena's configuration surface (spec §6) and
// loads it via Viper, the same layered file/env/flag loader
// awaae001-probe's Discord bot uses for its own YAML config.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"ena/errkind"
)

// Scraping holds the poll/fetch/download knobs that apply globally and
// can be overridden per board. The three flags are pointers so a board
// override can leave them unset (falling back to the global default)
// rather than silently resetting them to false, the same presence
// distinction wire.wirePost needs for JSON fields.
type Scraping struct {
	PollIntervalSeconds        int   `mapstructure:"poll_interval"`
	ArchivePollIntervalSeconds int   `mapstructure:"archive_poll_interval"`
	FetchArchive               *bool `mapstructure:"fetch_archive"`
	DownloadMedia              *bool `mapstructure:"download_media"`
	DownloadThumbs             *bool `mapstructure:"download_thumbs"`
}

// RateLimitClass mirrors network.rate_limiting.{media,thread,thread_list}.
type RateLimitClass struct {
	IntervalSeconds float64 `mapstructure:"interval"`
	MaxInterval     int     `mapstructure:"max_interval"`
	MaxConcurrent   int     `mapstructure:"max_concurrent"`
}

// RetryBackoff mirrors network.retry_backoff.
type RetryBackoff struct {
	BaseSeconds float64 `mapstructure:"base"`
	Factor      float64 `mapstructure:"factor"`
	MaxSeconds  float64 `mapstructure:"max"`
}

// DatabaseMedia mirrors database_media.
type DatabaseMedia struct {
	DatabaseURL string `mapstructure:"database_url"`
	Charset     string `mapstructure:"charset"`
	MediaDir    string `mapstructure:"media_dir"`
}

// AsagiCompat mirrors asagi_compat.
type AsagiCompat struct {
	AdjustTimestamps      bool `mapstructure:"adjust_timestamps"`
	RefetchArchivedThreads bool `mapstructure:"refetch_archived_threads"`
	AlwaysAddArchiveTimes bool `mapstructure:"always_add_archive_times"`
	CreateIndexCounters   bool `mapstructure:"create_index_counters"`
}

// Config is the full, validated configuration surface.
type Config struct {
	APIBaseURL string                    `mapstructure:"api_base_url"`
	Scraping   Scraping                  `mapstructure:"scraping"`
	Boards     map[string]Scraping       `mapstructure:"boards"`
	Network    struct {
		RateLimiting struct {
			Media      RateLimitClass `mapstructure:"media"`
			Thread     RateLimitClass `mapstructure:"thread"`
			ThreadList RateLimitClass `mapstructure:"thread_list"`
		} `mapstructure:"rate_limiting"`
		RetryBackoff RetryBackoff `mapstructure:"retry_backoff"`
	} `mapstructure:"network"`
	DatabaseMedia DatabaseMedia `mapstructure:"database_media"`
	AsagiCompat   AsagiCompat   `mapstructure:"asagi_compat"`
}

// Load reads configuration from path (if non-empty), then environment
// variables prefixed ENA_, validating every field spec §6 marks
// required. A validation failure is a fatal ConfigInvariant error —
// the only error kind allowed to kill the pipeline (spec §7).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENA")
	v.AutomaticEnv()

	v.SetDefault("api_base_url", "https://a.4cdn.org")
	v.SetDefault("scraping.poll_interval", 20)
	v.SetDefault("scraping.archive_poll_interval", 3600)
	v.SetDefault("network.retry_backoff.base", 1.0)
	v.SetDefault("network.retry_backoff.factor", 2.0)
	v.SetDefault("network.retry_backoff.max", 300.0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &errkind.ConfigInvariant{Field: "config_file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errkind.ConfigInvariant{Field: "unmarshal", Err: err}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseMedia.DatabaseURL == "" {
		return &errkind.ConfigInvariant{Field: "database_media.database_url", Err: fmt.Errorf("required")}
	}
	if c.DatabaseMedia.MediaDir == "" {
		return &errkind.ConfigInvariant{Field: "database_media.media_dir", Err: fmt.Errorf("required")}
	}
	if c.Network.RetryBackoff.BaseSeconds < 1 {
		return &errkind.ConfigInvariant{Field: "network.retry_backoff.base", Err: fmt.Errorf("must be >= 1 second")}
	}
	if c.Network.RetryBackoff.Factor < 2 {
		return &errkind.ConfigInvariant{Field: "network.retry_backoff.factor", Err: fmt.Errorf("must be >= 2")}
	}
	for _, class := range []RateLimitClass{
		c.Network.RateLimiting.Media,
		c.Network.RateLimiting.Thread,
		c.Network.RateLimiting.ThreadList,
	} {
		if class.IntervalSeconds <= 0 || class.MaxInterval <= 0 {
			return &errkind.ConfigInvariant{Field: "network.rate_limiting", Err: fmt.Errorf("interval and max_interval must be positive")}
		}
	}
	return nil
}

// ScrapingFor resolves the effective Scraping policy for a board,
// applying its override on top of the global default. Every field is
// only overridden when the board explicitly sets it — a board entry
// that sets only poll_interval must not clobber the global defaults
// for fetch_archive/download_media/download_thumbs.
func (c *Config) ScrapingFor(boardTag string) Scraping {
	s := c.Scraping
	if override, ok := c.Boards[boardTag]; ok {
		if override.PollIntervalSeconds != 0 {
			s.PollIntervalSeconds = override.PollIntervalSeconds
		}
		if override.ArchivePollIntervalSeconds != 0 {
			s.ArchivePollIntervalSeconds = override.ArchivePollIntervalSeconds
		}
		if override.FetchArchive != nil {
			s.FetchArchive = override.FetchArchive
		}
		if override.DownloadMedia != nil {
			s.DownloadMedia = override.DownloadMedia
		}
		if override.DownloadThumbs != nil {
			s.DownloadThumbs = override.DownloadThumbs
		}
	}
	return s
}

// PollInterval returns the poll interval as a time.Duration.
func (s Scraping) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// ArchivePollInterval returns the archive poll interval as a time.Duration.
func (s Scraping) ArchivePollInterval() time.Duration {
	return time.Duration(s.ArchivePollIntervalSeconds) * time.Second
}

// WantsArchive, WantsMedia, and WantsThumbs resolve the three
// presence-tracked flags to plain bools, treating unset as false.
func (s Scraping) WantsArchive() bool { return s.FetchArchive != nil && *s.FetchArchive }
func (s Scraping) WantsMedia() bool   { return s.DownloadMedia != nil && *s.DownloadMedia }
func (s Scraping) WantsThumbs() bool  { return s.DownloadThumbs != nil && *s.DownloadThumbs }

// Duration returns RetryBackoff's base and max as time.Durations plus
// its factor, the pieces of httpclient's Backoff. Kept here rather than
// in httpclient to avoid config depending on the transport package and
// vice versa.
func (b RetryBackoff) Duration() (base, max time.Duration, factor float64) {
	return time.Duration(b.BaseSeconds * float64(time.Second)),
		time.Duration(b.MaxSeconds * float64(time.Second)),
		b.Factor
}
