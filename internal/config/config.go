// Package config loads the flat dotted-key configuration the selfie
// components consume. Values are resolved once per process into a Config
// struct and passed into each component rather than looked up ad hoc.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/moekira/selfiebot/internal/logger"
)

// DefaultTriggerKeywords is the stock keyword list that fires the selfie
// action when no override is configured.
var DefaultTriggerKeywords = []string{"自拍", "照片", "来张", "发张", "看看你"}

// Telegram holds host adapter settings.
type Telegram struct {
	Token        string
	AdminUserIDs string
}

// Selfie holds the selfie feature settings.
type Selfie struct {
	Enabled              bool
	TriggerKeywords      []string
	ContextMessageLimit  int
	BaseImageScope       string
	CooldownSeconds      int
	PromptStyle          string
	RateLimitEnabled     bool
	RateLimitScope       string
	RateLimitWindowHours int
	RateLimitMaxImages   int
}

// Provider holds the settings for one external API.
type Provider struct {
	Provider string
	APIBase  string
	APIKey   string
	Model    string
}

// Image extends Provider with the output size setting.
type Image struct {
	Provider
	Size string
}

// Config is the resolved process configuration.
type Config struct {
	DataDir       string
	LogDebug      bool
	PluginEnabled bool
	Telegram      Telegram
	Selfie        Selfie
	LLM           Provider
	Image         Image
	DisallowNSFW  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("log.debug", false)

	v.SetDefault("plugin.enabled", true)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.admin_user_ids", "")

	v.SetDefault("selfie.enabled", true)
	v.SetDefault("selfie.trigger_keywords", DefaultTriggerKeywords)
	v.SetDefault("selfie.context_message_limit", 20)
	v.SetDefault("selfie.base_image_scope", "chat")
	v.SetDefault("selfie.cooldown_seconds", 30)
	v.SetDefault("selfie.prompt_style", "写实")
	v.SetDefault("selfie.rate_limit_enabled", true)
	v.SetDefault("selfie.rate_limit_scope", "chat")
	v.SetDefault("selfie.rate_limit_window_hours", 6)
	v.SetDefault("selfie.rate_limit_max_images", 3)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_base", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("image.provider", "openai")
	v.SetDefault("image.api_base", "https://api.openai.com/v1")
	v.SetDefault("image.api_key", "")
	v.SetDefault("image.model", "gpt-image-1")
	v.SetDefault("image.size", "1024x1024")

	v.SetDefault("safety.disallow_nsfw", true)
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the SELFIEBOT_ prefix with dots
// replaced by underscores, e.g. SELFIEBOT_SELFIE_COOLDOWN_SECONDS. The
// Telegram token additionally honors TG_BOT_TOKEN for parity with older
// deployments.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SELFIEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.token", "SELFIEBOT_TELEGRAM_TOKEN", "TG_BOT_TOKEN")
	_ = v.BindEnv("llm.api_key", "SELFIEBOT_LLM_API_KEY", "LLM_API_KEY")
	_ = v.BindEnv("image.api_key", "SELFIEBOT_IMAGE_API_KEY", "IMAGE_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		logger.Info("Loaded configuration from %s", path)
	}

	cfg := &Config{
		DataDir:       v.GetString("data_dir"),
		LogDebug:      v.GetBool("log.debug"),
		PluginEnabled: v.GetBool("plugin.enabled"),
		Telegram: Telegram{
			Token:        v.GetString("telegram.token"),
			AdminUserIDs: v.GetString("telegram.admin_user_ids"),
		},
		Selfie: Selfie{
			Enabled:              v.GetBool("selfie.enabled"),
			TriggerKeywords:      v.GetStringSlice("selfie.trigger_keywords"),
			ContextMessageLimit:  clamp(v.GetInt("selfie.context_message_limit"), 5, 100),
			BaseImageScope:       NormalizeScope(v.GetString("selfie.base_image_scope")),
			CooldownSeconds:      clamp(v.GetInt("selfie.cooldown_seconds"), 0, 3600),
			PromptStyle:          v.GetString("selfie.prompt_style"),
			RateLimitEnabled:     v.GetBool("selfie.rate_limit_enabled"),
			RateLimitScope:       NormalizeScope(v.GetString("selfie.rate_limit_scope")),
			RateLimitWindowHours: v.GetInt("selfie.rate_limit_window_hours"),
			RateLimitMaxImages:   v.GetInt("selfie.rate_limit_max_images"),
		},
		LLM: Provider{
			Provider: v.GetString("llm.provider"),
			APIBase:  strings.TrimRight(strings.TrimSpace(v.GetString("llm.api_base")), "/"),
			APIKey:   strings.TrimSpace(v.GetString("llm.api_key")),
			Model:    strings.TrimSpace(v.GetString("llm.model")),
		},
		Image: Image{
			Provider: Provider{
				Provider: v.GetString("image.provider"),
				APIBase:  strings.TrimRight(strings.TrimSpace(v.GetString("image.api_base")), "/"),
				APIKey:   strings.TrimSpace(v.GetString("image.api_key")),
				Model:    strings.TrimSpace(v.GetString("image.model")),
			},
			Size: v.GetString("image.size"),
		},
		DisallowNSFW: v.GetBool("safety.disallow_nsfw"),
	}

	if len(cfg.Selfie.TriggerKeywords) == 0 {
		cfg.Selfie.TriggerKeywords = DefaultTriggerKeywords
	}

	return cfg, nil
}

// NormalizeScope maps any scope value onto the two supported scopes. Only
// "user" selects per-user state; everything else means per-chat.
func NormalizeScope(scope string) string {
	if strings.ToLower(strings.TrimSpace(scope)) == "user" {
		return "user"
	}
	return "chat"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
