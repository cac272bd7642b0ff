package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix prefixes environment overrides, e.g. DRBACKUP_STORAGE_BUCKET.
const EnvPrefix = "DRBACKUP"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// setDefaults registers every default value. Keys registered here can also
// be overridden from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backup.timeout", 2*time.Hour)
	v.SetDefault("backup.lease_ttl", 5*time.Minute)
	v.SetDefault("backup.max_chain_depth", 30)
	v.SetDefault("backup.workers", 5)
	v.SetDefault("backup.rollback_on_failure", true)
	v.SetDefault("backup.prefix", "backups")

	v.SetDefault("crypto.algorithm", "aes-256-gcm")
	v.SetDefault("crypto.scrypt_n", 1<<15)
	v.SetDefault("crypto.scrypt_r", 8)
	v.SetDefault("crypto.scrypt_p", 1)

	v.SetDefault("storage.driver", "s3")
	v.SetDefault("storage.server_side_encryption", "AES256")
	v.SetDefault("storage.storage_class", "STANDARD_IA")
	v.SetDefault("storage.retry.attempts", 4)
	v.SetDefault("storage.retry.delay", 500*time.Millisecond)
	v.SetDefault("storage.retry.max_delay", 10*time.Second)

	v.SetDefault("files.driver", "none")

	v.SetDefault("metadata.driver", "sqlite")
	v.SetDefault("metadata.path", "drbackup.db")

	v.SetDefault("notify.webhook.timeout", 10*time.Second)

	v.SetDefault("schedule.full", "0 2 * * 0")
	v.SetDefault("schedule.incremental", "0 2 * * 1-6")
	v.SetDefault("schedule.verify", "0 6 * * *")
	v.SetDefault("schedule.retention", "0 4 * * *")
	v.SetDefault("schedule.run_timeout", 3*time.Hour)

	v.SetDefault("retention.daily", 7)
	v.SetDefault("retention.weekly", 4)
	v.SetDefault("retention.monthly", 12)
	v.SetDefault("retention.yearly", 3)

	v.SetDefault("verify.window", 7*24*time.Hour)
	v.SetDefault("verify.workers", 5)

	v.SetDefault("recovery.region.files.driver", "none")

	v.SetDefault("metrics.address", ":9464")

	v.SetDefault("log.level", "info")

	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.method", "custom")
	v.SetDefault("postgres.change_column", "updated_at")
	v.SetDefault("postgres.key_column", "id")
	v.SetDefault("mysql.port", "3306")
	v.SetDefault("mysql.change_column", "updated_at")
	v.SetDefault("mysql.key_column", "id")
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.Validate()
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidateConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}

	if c.Crypto.Password == "" && c.Crypto.PasswordSecret == "" {
		return fmt.Errorf("%w: crypto.password or crypto.password_secret is required", ErrValidateConfig)
	}
	if c.Crypto.PasswordSecret != "" && c.Vault.Address == "" {
		return fmt.Errorf("%w: crypto.password_secret needs vault.address", ErrValidateConfig)
	}
	if c.Notify.Email.Host != "" && (c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
		return fmt.Errorf("%w: notify.email needs from and to", ErrValidateConfig)
	}
	if n := c.Crypto.ScryptN; n&(n-1) != 0 {
		return fmt.Errorf("%w: crypto.scrypt_n must be a power of two", ErrValidateConfig)
	}
	if len(c.Postgres.Instances)+len(c.MySQL.Instances)+len(c.Memory.Databases) == 0 {
		return fmt.Errorf("%w: no database configured", ErrValidateConfig)
	}
	if c.Retention.Weekly*7 < c.Retention.Daily && c.Retention.Weekly > 0 {
		return fmt.Errorf("%w: retention.weekly covers less than retention.daily", ErrValidateConfig)
	}
	return nil
}
