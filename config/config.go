// fileconv/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	BaseURL          string        `mapstructure:"BASE"`
	UploadDir        string        `mapstructure:"UPLOAD_DIR"`
	OutputDir        string        `mapstructure:"OUTPUT_DIR"`
	MaxUploadSize    int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	FFBin            string        `mapstructure:"FF_BIN"`
	PingInterval     time.Duration `mapstructure:"PING_INTERVAL"`
	JobRetention     time.Duration `mapstructure:"JOB_RETENTION"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	DocDensity       int           `mapstructure:"DOC_DENSITY"`
	PageConcurrency  int           `mapstructure:"PAGE_CONCURRENCY"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFormat        string        `mapstructure:"LOG_FORMAT"`
	CORSOrigin       string        `mapstructure:"CORS_ORIGIN"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("UPLOAD_DIR", "uploads")
	vp.SetDefault("OUTPUT_DIR", "converted")
	vp.SetDefault("MAX_UPLOAD_SIZE", "500MB")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("PING_INTERVAL", "30s")
	vp.SetDefault("JOB_RETENTION", "0s")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0")
	vp.SetDefault("THROTTLE_FREEDISK", "0")
	vp.SetDefault("DOC_DENSITY", 150)
	vp.SetDefault("PAGE_CONCURRENCY", 0)
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")
	vp.SetDefault("CORS_ORIGIN", "*")

	vp.SetConfigName("fileconv_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/fileconv/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FILECONV")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ThrottleEnabled reports whether any resource gate is configured.
func (c *Config) ThrottleEnabled() bool {
	return c.ThrottleCPU > 0 || c.ThrottleFreeMem > 0 || c.ThrottleFreeDisk > 0
}
