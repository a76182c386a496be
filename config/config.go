// Package config holds the process-level options shared by providers and
// consumers, loaded from YAML.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/registry"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Options is the YAML configuration of a mini-rpc process.
type Options struct {
	ServicePort    int           `yaml:"service_port"`
	AdvertiseAddr  string        `yaml:"advertise_addr"` // host:port published to the registry
	RegistryAddr   string        `yaml:"registry_addr"`  // comma-separated etcd endpoints
	RegistryKind   string        `yaml:"registry_kind"`  // etcd | memory
	RegistryTTL    time.Duration `yaml:"registry_ttl"`
	Timeout        time.Duration `yaml:"timeout"`         // Default per-call timeout
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // Provider-side limit per call, 0 disables
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	QueueSize      int           `yaml:"queue_size"`
	RateLimit      float64       `yaml:"rate_limit"` // Requests per second, 0 disables
	RateBurst      int           `yaml:"rate_burst"`
	Serializer     string        `yaml:"serializer"` // json | binary | msgpack
	Balancer       string        `yaml:"balancer"`   // hash | roundrobin | weighted | consistent
	MaxConns       int           `yaml:"max_conns"`
	ClientID       string        `yaml:"client_id"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns the options used when no file is given.
func Default() Options {
	return Options{
		ServicePort:    8080,
		RegistryAddr:   "127.0.0.1:2379",
		RegistryKind:   string(registry.KindEtcd),
		RegistryTTL:    10 * time.Second,
		Timeout:        3 * time.Second,
		WorkerPoolSize: 16,
		QueueSize:      1024,
		RateBurst:      100,
		Serializer:     "json",
		Balancer:       "hash",
		MaxConns:       2,
		LogLevel:       "info",
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return opts, errors.Wrapf(err, "parse config %s", path)
	}
	if err := opts.Validate(); err != nil {
		return opts, errors.Wrapf(err, "config %s", path)
	}
	return opts, nil
}

// Validate checks value ranges and enumerations.
func (o Options) Validate() error {
	if o.ServicePort < 0 || o.ServicePort > 65535 {
		return errors.Errorf("service_port %d out of range", o.ServicePort)
	}
	switch registry.Kind(o.RegistryKind) {
	case registry.KindEtcd:
		if o.RegistryAddr == "" {
			return errors.New("registry_addr is required for etcd")
		}
	case registry.KindMemory:
	default:
		return errors.Errorf("unknown registry_kind %q", o.RegistryKind)
	}
	if o.RegistryTTL < time.Second {
		return errors.Errorf("registry_ttl %s must be at least 1s", o.RegistryTTL)
	}
	if o.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if o.HandlerTimeout < 0 {
		return errors.New("handler_timeout must not be negative")
	}
	if o.WorkerPoolSize <= 0 {
		return errors.New("worker_pool_size must be positive")
	}
	if o.QueueSize < 0 {
		return errors.New("queue_size must not be negative")
	}
	if o.RateLimit < 0 || o.RateBurst < 0 {
		return errors.New("rate_limit and rate_burst must not be negative")
	}
	if o.RateLimit > 0 && o.RateBurst == 0 {
		return errors.New("rate_burst must be positive when rate_limit is set")
	}
	if _, err := codec.ParseType(o.Serializer); err != nil {
		return err
	}
	if o.MaxConns <= 0 {
		return errors.New("max_conns must be positive")
	}
	return nil
}
