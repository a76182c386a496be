package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mini-rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
service_port: 9000
advertise_addr: 10.0.0.5:9000
registry_kind: memory
registry_ttl: 30s
timeout: 500ms
serializer: msgpack
worker_pool_size: 4
rate_limit: 50
rate_burst: 10
`)
	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, opts.ServicePort)
	assert.Equal(t, "10.0.0.5:9000", opts.AdvertiseAddr)
	assert.Equal(t, "memory", opts.RegistryKind)
	assert.Equal(t, 30*time.Second, opts.RegistryTTL)
	assert.Equal(t, 500*time.Millisecond, opts.Timeout)
	assert.Equal(t, "msgpack", opts.Serializer)
	assert.Equal(t, 4, opts.WorkerPoolSize)
	assert.Equal(t, 50.0, opts.RateLimit)

	// Untouched keys keep their defaults.
	assert.Equal(t, Default().QueueSize, opts.QueueSize)
	assert.Equal(t, Default().MaxConns, opts.MaxConns)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "service_prot: 9000\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Options){
		"port":       func(o *Options) { o.ServicePort = 70000 },
		"kind":       func(o *Options) { o.RegistryKind = "zookeeper" },
		"etcd addr":  func(o *Options) { o.RegistryAddr = "" },
		"ttl":        func(o *Options) { o.RegistryTTL = 100 * time.Millisecond },
		"timeout":    func(o *Options) { o.Timeout = 0 },
		"workers":    func(o *Options) { o.WorkerPoolSize = 0 },
		"queue":      func(o *Options) { o.QueueSize = -1 },
		"burst":      func(o *Options) { o.RateLimit, o.RateBurst = 10, 0 },
		"serializer": func(o *Options) { o.Serializer = "xml" },
		"max conns":  func(o *Options) { o.MaxConns = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := Default()
			mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}
