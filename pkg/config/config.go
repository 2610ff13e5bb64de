// Package config loads and validates tgrelay's configuration: general
// connection settings plus the forward and monitor pair lists of spec §6.1.
// The on-disk format is YAML; process environment variables are overlaid on
// top of the parsed document using struct tags understood by caarlos0/env.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// ProxyConfig describes an optional outbound proxy for the MTProto session.
type ProxyConfig struct {
	Scheme string `yaml:"scheme,omitempty" env:"TGRELAY_PROXY_SCHEME"` // "socks5" | "http"
	Host   string `yaml:"host,omitempty" env:"TGRELAY_PROXY_HOST"`
	Port   int    `yaml:"port,omitempty" env:"TGRELAY_PROXY_PORT"`
	User   string `yaml:"user,omitempty" env:"TGRELAY_PROXY_USER"`
	Pass   string `yaml:"pass,omitempty" env:"TGRELAY_PROXY_PASS"`
}

// GeneralConfig holds API credentials and session identity.
type GeneralConfig struct {
	APIID       int         `yaml:"api_id" env:"TGRELAY_API_ID"`
	APIHash     string      `yaml:"api_hash" env:"TGRELAY_API_HASH"`
	Proxy       ProxyConfig `yaml:"proxy,omitempty"`
	SessionName string      `yaml:"session_name" env:"TGRELAY_SESSION_NAME" envDefault:"default"`
}

// TextReplacement is one ordered (find, replace) literal substitution.
type TextReplacement struct {
	Find    string `yaml:"find"`
	Replace string `yaml:"replace"`
}

// PairConfig is the on-disk shape of spec.md §3's ChannelPair: identifiers
// are still raw strings (link, @username, or numeric id) here; pkg/pairs
// resolves them into live ChannelId-addressed pairs.
type PairConfig struct {
	SourceChannel        string            `yaml:"source_channel"`
	TargetChannels        []string          `yaml:"target_channels"`
	StartID              int               `yaml:"start_id"`
	EndID                int               `yaml:"end_id"`
	MediaTypes           []string          `yaml:"media_types,omitempty"`
	Keywords             []string          `yaml:"keywords,omitempty"`
	TextReplacements     []TextReplacement `yaml:"text_replacements,omitempty"`
	ExcludeLinks         bool              `yaml:"exclude_links"`
	RemoveCaptions       bool              `yaml:"remove_captions"`
	HideAuthor           bool              `yaml:"hide_author"`
	Enabled              *bool             `yaml:"enabled,omitempty"` // nil -> default true
	SendFinalMessage     bool              `yaml:"send_final_message"`
	FinalMessageHTMLPath string            `yaml:"final_message_html_path,omitempty"`
	EnableWebPagePreview bool              `yaml:"enable_web_page_preview"`
	// Schedule is a supplemental field (not in spec.md): an optional cron
	// expression evaluated by pkg/pairs to re-queue a batch run for this
	// pair. Empty means "run once at engine start" (spec.md's only behavior).
	Schedule string `yaml:"schedule,omitempty"`
}

// IsEnabled returns the effective enabled flag (default true).
func (p PairConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var defaultMediaTypes = []string{
	"text", "photo", "video", "document", "audio", "animation", "sticker", "voice", "video_note",
}

// EffectiveMediaTypes returns the configured media_types, or every known
// kind when the key is absent (table default in §6.1 is "all").
func (p PairConfig) EffectiveMediaTypes() []string {
	if len(p.MediaTypes) == 0 {
		return defaultMediaTypes
	}
	return p.MediaTypes
}

type ForwardConfig struct {
	Pairs        []PairConfig `yaml:"forward_channel_pairs"`
	ForwardDelay float64      `yaml:"forward_delay" env:"TGRELAY_FORWARD_DELAY" envDefault:"0.1"`
	TmpPath      string       `yaml:"tmp_path" env:"TGRELAY_TMP_PATH" envDefault:"tmp"`
}

type MonitorConfig struct {
	Pairs    []PairConfig `yaml:"monitor_channel_pairs"`
	Duration string       `yaml:"duration,omitempty"` // ISO date; monitor stops at midnight of that date
}

type Config struct {
	General GeneralConfig `yaml:"general"`
	Forward ForwardConfig `yaml:"forward"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// Load reads path, parses the YAML document, overlays environment
// variables, validates every pair, and warns (never fails) on unknown top
// level keys.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	warnUnknownKeys(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(&cfg.General); err != nil {
		return nil, fmt.Errorf("apply env overlay: %w", err)
	}
	if err := env.Parse(&cfg.Forward); err != nil {
		return nil, fmt.Errorf("apply env overlay: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// recognizedTopLevelKeys backs the "warn but don't fail" rule of §6.1.
var recognizedTopLevelKeys = map[string]bool{
	"general": true,
	"forward": true,
	"monitor": true,
}

func warnUnknownKeys(data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for key := range raw {
		if !recognizedTopLevelKeys[key] {
			logger.WarnCF("config", "unrecognized top-level config key", map[string]any{
				"key": key,
			})
		}
	}
}

// Validate applies §6.1's loader rules to every configured pair in place:
// reject empty targets, deduplicate targets, enforce source∉targets. A pair
// left with no targets after dedup is dropped and logged; a source listed
// among its own targets, or start_id > end_id, aborts the whole load with
// an error.
func Validate(cfg *Config) error {
	validated, err := validatePairs(cfg.Forward.Pairs)
	if err != nil {
		return fmt.Errorf("forward pairs: %w", err)
	}
	cfg.Forward.Pairs = validated

	validated, err = validatePairs(cfg.Monitor.Pairs)
	if err != nil {
		return fmt.Errorf("monitor pairs: %w", err)
	}
	cfg.Monitor.Pairs = validated

	return nil
}

func validatePairs(pairs []PairConfig) ([]PairConfig, error) {
	out := make([]PairConfig, 0, len(pairs))
	for i, p := range pairs {
		targets := dedupe(p.TargetChannels)
		if len(targets) == 0 {
			logger.WarnCF("config", "pair rejected: empty targets after dedup", map[string]any{
				"index": i, "source": p.SourceChannel,
			})
			continue
		}
		for _, t := range targets {
			if t == p.SourceChannel {
				return nil, fmt.Errorf("pair %d: source %q also listed as target", i, p.SourceChannel)
			}
		}
		if p.StartID > 0 && p.EndID > 0 && p.StartID > p.EndID {
			return nil, fmt.Errorf("pair %d: start_id %d > end_id %d", i, p.StartID, p.EndID)
		}
		p.TargetChannels = targets
		out = append(out, p)
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// SessionPath returns the on-disk path of the SDK session artifact for the
// configured session name, per §6.3's "sessions/<session_name>" layout.
func (c *Config) SessionPath(sessionsDir string) string {
	return filepath.Join(sessionsDir, c.General.SessionName)
}
