// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"zombiezen.com/go/kdbx/pkg/kdbcrypt"
	"zombiezen.com/go/kdbx/pkg/kdbx"
)

// envPrefix is prepended to the upper-cased name of each setting to form
// its environment variable, for example KDBX_PASSWORD.
const envPrefix = "KDBX"

// config holds the settings from flags, the environment and the
// optional configuration file.
type config struct {
	LogLevel string `mapstructure:"log-level" validate:"oneof=trace debug info warn error"`
	LogJSON  bool   `mapstructure:"log-json"`

	Password      string `mapstructure:"password"`
	PasswordStdin bool   `mapstructure:"password-stdin"`
	NoPassword    bool   `mapstructure:"no-password"`
	Keyfile       string `mapstructure:"keyfile" validate:"omitempty,file"`

	NewPassword   string `mapstructure:"new-password"`
	NewNoPassword bool   `mapstructure:"new-no-password"`
	NewKeyfile    string `mapstructure:"new-keyfile" validate:"omitempty,file"`

	Rounds     uint64 `mapstructure:"rounds" validate:"omitempty,min=1"`
	Cipher     string `mapstructure:"cipher" validate:"omitempty,oneof=aes twofish"`
	NoCompress bool   `mapstructure:"no-compress"`
	Software   bool   `mapstructure:"software-transform"`
	Reveal     bool   `mapstructure:"reveal"`

	Length      int    `mapstructure:"length" validate:"omitempty,min=1,max=200"`
	Phrase      bool   `mapstructure:"phrase"`
	Possessives bool   `mapstructure:"possessives"`
	WordsFile   string `mapstructure:"words-file"`

	Listen         string        `mapstructure:"listen" validate:"omitempty,hostname_port"`
	SessionExpiry  time.Duration `mapstructure:"session-expiry" validate:"omitempty,min=1m"`
	KeyRotation    time.Duration `mapstructure:"key-rotation" validate:"omitempty,gtfield=SessionExpiry"`
	SessionKeys    string        `mapstructure:"session-keys"`
	MaxRequestSize int64         `mapstructure:"max-request-size" validate:"omitempty,min=1024"`
}

// Validate checks the configuration against the struct tags.
func (c *config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(errUsage, "invalid configuration: "+err.Error())
	}
	return nil
}

// loadConfig reads the flags of cmd, the environment and the file named
// by --config into a new viper instance and decodes the result.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// Settings only read from the environment or configuration file.
	for _, key := range []string{"password", "new-password"} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrap(err, "bind environment")
		}
	}
	v.SetDefault("log-level", "info")
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read configuration")
		}
	}
	cfg := new(config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the command's logger from the configuration.
func (c *config) newLogger(cmd *cobra.Command) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if c.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// dbOptions returns the codec options described by the configuration.
func (c *config) dbOptions(log *logrus.Logger) *kdbx.Options {
	opts := &kdbx.Options{
		Logger:        log,
		KeyRounds:     c.Rounds,
		NoCompression: c.NoCompress,
	}
	if c.Cipher == "twofish" {
		opts.Cipher = kdbcrypt.Twofish
	}
	if c.Software {
		opts.Transformer = kdbcrypt.Software
	}
	return opts
}
