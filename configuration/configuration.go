// Package configuration handles the registry's YAML configuration document.
package configuration

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the root configuration document.
type Configuration struct {
	// Log supplies logging configuration.
	Log struct {
		// Level is the granularity at which registry operations are
		// logged: error, warn, info or debug.
		Level string `yaml:"level,omitempty"`

		// Formatter overrides the format of log output, text or json.
		Formatter string `yaml:"formatter,omitempty"`
	} `yaml:"log,omitempty"`

	// HTTP configures the server transport.
	HTTP struct {
		// Addr specifies the bind address.
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"http,omitempty"`

	// Metadata selects the metadata database backend.
	Metadata Metadata `yaml:"metadata"`

	// ObjectStore selects the blob object backend.
	ObjectStore ObjectStore `yaml:"objectstore"`

	// Repositories lists repository names to create at startup.
	Repositories []string `yaml:"repositories,omitempty"`
}

// Metadata configures the metadata database connection.
type Metadata struct {
	// DSN is the database connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"maxopenconns,omitempty"`
	MaxIdleConns    int           `yaml:"maxidleconns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"connmaxlifetime,omitempty"`
}

// ObjectStore configures the S3-compatible object backend. Bucket is
// required unless InMemory selects the in-memory store, useful for
// development only.
type ObjectStore struct {
	// InMemory selects the ephemeral in-process store.
	InMemory bool `yaml:"inmemory,omitempty"`

	AccessKey      string `yaml:"accesskey,omitempty"`
	SecretKey      string `yaml:"secretkey,omitempty"`
	Region         string `yaml:"region,omitempty"`
	RegionEndpoint string `yaml:"regionendpoint,omitempty"`
	Bucket         string `yaml:"bucket,omitempty"`
	Secure         bool   `yaml:"secure,omitempty"`
	SkipVerify     bool   `yaml:"skipverify,omitempty"`
	ForcePathStyle bool   `yaml:"forcepathstyle,omitempty"`
}

// Parse reads a Configuration from rd and validates it.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := &Configuration{}
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if config.HTTP.Addr == "" {
		config.HTTP.Addr = ":5000"
	}
	if config.Metadata.DSN == "" {
		return nil, fmt.Errorf("configuration requires metadata.dsn")
	}
	if !config.ObjectStore.InMemory && config.ObjectStore.Bucket == "" {
		return nil, fmt.Errorf("configuration requires objectstore.bucket")
	}

	return config, nil
}
