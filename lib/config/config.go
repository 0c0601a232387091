/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config defines the platform's file configuration and merges it
// with CLI flags and the environment. CLI flags win over file values; the
// environment fills what neither set.
package config

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/defaults"
)

// Storage and queue backends.
const (
	// StorageS3 stores rendered documents in an S3 bucket.
	StorageS3 = "s3"
	// StorageMemory keeps rendered documents in process memory.
	StorageMemory = "memory"
	// QueueSQS carries generation messages over SNS/SQS.
	QueueSQS = "sqs"
	// QueueMemory keeps generation messages in process memory.
	QueueMemory = "memory"
)

// CLIConf is configuration from the CLI.
type CLIConf struct {
	// ConfigPath is a path to the YAML config file.
	ConfigPath string

	// Debug enables verbose logging.
	Debug bool

	// ListenAddr overrides the API listen address.
	ListenAddr string

	// BaseURL overrides the public base URL of verification links.
	BaseURL string

	// DatabaseURL overrides the Postgres connection string.
	DatabaseURL string

	// CustomerName is the display name passed to the onboard command.
	CustomerName string

	// CustomerDomain is the primary domain passed to the onboard command.
	CustomerDomain string

	// CustomerSchema optionally pins the tenant schema name on onboarding
	// instead of deriving one from the name.
	CustomerSchema string

	// CustomerStatus optionally sets the initial customer status.
	CustomerStatus string

	// CustomerMaxUsers caps the customer's user count, zero for unlimited.
	CustomerMaxUsers int

	// CustomerMaxCertificates caps the customer's certificates per month,
	// zero for unlimited.
	CustomerMaxCertificates int
}

// DatabaseConfig configures the Postgres pool. An empty URL switches the
// platform to in-memory stores: a development mode, nothing survives a
// restart.
type DatabaseConfig struct {
	// URL is the Postgres connection string, URL or DSN form.
	URL string `yaml:"url"`
}

// InMemory reports whether the platform runs without Postgres.
func (c *DatabaseConfig) InMemory() bool {
	return c.URL == ""
}

// StorageConfig configures the rendered document store.
type StorageConfig struct {
	// Backend selects the document store implementation. Defaults to s3
	// when a bucket is configured and memory otherwise.
	Backend string `yaml:"backend"`
	// Bucket is the bucket holding all tenants' documents.
	Bucket string `yaml:"bucket"`
	// Region is the AWS region of the bucket.
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for compatible stores such as
	// MinIO.
	Endpoint string `yaml:"endpoint"`
	// PathStyle forces path-style addressing. Most S3-compatible servers
	// require it.
	PathStyle bool `yaml:"path_style"`
}

// CheckAndSetDefaults validates the section and fills defaults.
func (c *StorageConfig) CheckAndSetDefaults() error {
	if c.Backend == "" {
		c.Backend = StorageMemory
		if c.Bucket != "" {
			c.Backend = StorageS3
		}
	}
	switch c.Backend {
	case StorageS3:
		if c.Bucket == "" {
			return trace.BadParameter("storage: backend %q requires a bucket", StorageS3)
		}
	case StorageMemory:
	default:
		return trace.BadParameter("storage: unsupported backend %q, expected %q or %q", c.Backend, StorageS3, StorageMemory)
	}
	return nil
}

// QueueConfig configures the generation message bus.
type QueueConfig struct {
	// Backend selects the queue implementation. Defaults to sqs when a
	// queue URL is configured and memory otherwise.
	Backend string `yaml:"backend"`
	// QueueURL is the SQS queue the workers drain.
	QueueURL string `yaml:"queue_url"`
	// TopicARN is the SNS topic to publish to, with the queue subscribed.
	// Empty publishes straight to the queue.
	TopicARN string `yaml:"topic_arn"`
	// Region is the AWS region of the queue.
	Region string `yaml:"region"`
	// WaitTime is the long poll duration of one receive call.
	WaitTime time.Duration `yaml:"wait_time"`
	// VisibilityTimeout hides in-flight messages from other workers.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// CheckAndSetDefaults validates the section and fills defaults.
func (c *QueueConfig) CheckAndSetDefaults() error {
	if c.Backend == "" {
		c.Backend = QueueMemory
		if c.QueueURL != "" {
			c.Backend = QueueSQS
		}
	}
	switch c.Backend {
	case QueueSQS:
		if c.QueueURL == "" {
			return trace.BadParameter("queue: backend %q requires a queue_url", QueueSQS)
		}
	case QueueMemory:
	default:
		return trace.BadParameter("queue: unsupported backend %q, expected %q or %q", c.Backend, QueueSQS, QueueMemory)
	}
	return nil
}

// RenderConfig configures the PDF converter.
type RenderConfig struct {
	// ChromePath overrides the Chrome binary path.
	ChromePath string `yaml:"chrome_path"`
	// Timeout bounds a single HTML to PDF conversion.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkerConfig configures the asynchronous generation workers.
type WorkerConfig struct {
	// Concurrency is how many generation messages are processed at once.
	Concurrency int `yaml:"concurrency"`
	// MaxDeliveries is the delivery budget of a message before it is dead
	// lettered.
	MaxDeliveries int `yaml:"max_deliveries"`
	// ProcessTimeout bounds the handling of a single message. Defaults to
	// the queue visibility timeout.
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// SweeperConfig configures the stale preview sweeper.
type SweeperConfig struct {
	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval"`
	// MaxAge is how long a rendered preview may stay unclaimed.
	MaxAge time.Duration `yaml:"max_age"`
}

// TenancyConfig configures tenant resolution.
type TenancyConfig struct {
	// CacheTTL bounds how long a resolved tenant header stays cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// FileConfig is the platform's root config document.
type FileConfig struct {
	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
	// ListenAddr is the API listen address.
	ListenAddr string `yaml:"listen_addr"`
	// BaseURL is the public base URL embedded in verification links.
	// Trailing slashes are stripped.
	BaseURL string `yaml:"base_url"`

	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Render   RenderConfig   `yaml:"render"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Tenancy  TenancyConfig  `yaml:"tenancy"`
}

// CheckAndSetDefaults validates the config and fills defaults.
func (conf *FileConfig) CheckAndSetDefaults() error {
	if conf.ListenAddr == "" {
		conf.ListenAddr = defaults.HTTPListenAddr
	}
	if conf.BaseURL == "" {
		conf.BaseURL = defaults.BaseURL
	}
	conf.BaseURL = strings.TrimRight(conf.BaseURL, "/")
	if u, err := url.Parse(conf.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("base_url must be an absolute URL, got %q", conf.BaseURL)
	}
	if err := conf.Storage.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := conf.Queue.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// NewDefaultConfig creates a minimal in-memory configuration from defaults.
// CheckAndSetDefaults() will be called.
func NewDefaultConfig() (*FileConfig, error) {
	conf := &FileConfig{}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// FromCLIConf loads the platform config from CLI parameters, potentially
// loading and merging a configuration file if specified.
// CheckAndSetDefaults() will be called. CLI flags, if specified, override
// file values.
func FromCLIConf(cf *CLIConf) (*FileConfig, error) {
	var conf *FileConfig
	var err error
	if cf.ConfigPath != "" {
		conf, err = ReadConfigFromFile(cf.ConfigPath)
		if err != nil {
			return nil, trace.Wrap(err, "loading config from path %s", cf.ConfigPath)
		}
	} else {
		conf = &FileConfig{}
	}

	if cf.Debug {
		conf.Debug = true
	}
	if v, _ := strconv.ParseBool(os.Getenv(vellum.DebugEnvVar)); v {
		conf.Debug = true
	}
	if cf.ListenAddr != "" {
		if conf.ListenAddr != "" {
			slog.Warn("CLI parameters are overriding the listen address from the config file.", "config_path", cf.ConfigPath)
		}
		conf.ListenAddr = cf.ListenAddr
	}
	if cf.BaseURL != "" {
		if conf.BaseURL != "" {
			slog.Warn("CLI parameters are overriding the base URL from the config file.", "config_path", cf.ConfigPath)
		}
		conf.BaseURL = cf.BaseURL
	}
	if conf.BaseURL == "" {
		conf.BaseURL = os.Getenv(vellum.BaseURLEnvVar)
	}
	if cf.DatabaseURL != "" {
		if conf.Database.URL != "" {
			slog.Warn("CLI parameters are overriding the database URL from the config file.", "config_path", cf.ConfigPath)
		}
		conf.Database.URL = cf.DatabaseURL
	}

	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err, "validating merged config")
	}
	return conf, nil
}

// ReadConfigFromFile reads and parses a YAML config from a file.
func ReadConfigFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses a YAML config from a reader. Unknown fields are
// rejected, an empty document yields the zero config.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var conf FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&conf); err != nil {
		if errors.Is(err, io.EOF) {
			return &conf, nil
		}
		return nil, trace.BadParameter("failed parsing config file: %s", strings.ReplaceAll(err.Error(), "\n", ""))
	}
	return &conf, nil
}
