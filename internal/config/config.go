package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
)

const envPrefix = "FVTOOL"

type ToolConfig struct {
	Path       string   `yaml:"path" mapstructure:"path"`
	EncodeArgs []string `yaml:"encode_args" mapstructure:"encode_args"`
	DecodeArgs []string `yaml:"decode_args" mapstructure:"decode_args"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" mapstructure:"insecure"`
}

type Config struct {
	LogLevel            string                `yaml:"log_level" mapstructure:"log_level"`
	LogFormat           string                `yaml:"log_format" mapstructure:"log_format"`
	MaxVolumeLength     uint64                `yaml:"max_volume_length" mapstructure:"max_volume_length"`
	StrictEncapsulation bool                  `yaml:"strict_encapsulation" mapstructure:"strict_encapsulation"`
	ToolTimeout         time.Duration         `yaml:"tool_timeout" mapstructure:"tool_timeout"`
	Tools               map[string]ToolConfig `yaml:"tools" mapstructure:"tools"`
	Metrics             MetricsConfig         `yaml:"metrics" mapstructure:"metrics"`
	Tracing             TracingConfig         `yaml:"tracing" mapstructure:"tracing"`
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
	"max-length": "max_volume_length",
	"strict":     "strict_encapsulation",
}

// NewConfig reads fvtool.yaml from the usual places, or file when it is set,
// then applies FVTOOL_* environment variables and finally any flags in fs
// that were set on the command line.
func NewConfig(file string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fvtool")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fvtool")
		v.AddConfigPath("/etc/fvtool")
	}
	v.SetConfigType("yaml")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_volume_length", 0)
	v.SetDefault("strict_encapsulation", false)
	v.SetDefault("tool_timeout", "2m")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", false)
	for name, t := range encap.DefaultTools() {
		v.SetDefault("tools."+name+".path", t.Path)
		v.SetDefault("tools."+name+".encode_args", t.EncodeArgs)
		v.SetDefault("tools."+name+".decode_args", t.DecodeArgs)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: unable to read config: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey); err != nil {
			return nil, fmt.Errorf("config: unable to bind env: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: unable to bind flag %s: %w", name, err)
				}
			}
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: unable to decode: %w", err)
	}
	return conf, nil
}

// EncapOptions converts the tool settings for the codec registry.
func (c *Config) EncapOptions(runner encap.Runner) encap.Options {
	tools := make(map[string]encap.Tool, len(c.Tools))
	for name, t := range c.Tools {
		tools[name] = encap.Tool{Path: t.Path, EncodeArgs: t.EncodeArgs, DecodeArgs: t.DecodeArgs}
	}
	return encap.Options{Runner: runner, Tools: tools}
}
