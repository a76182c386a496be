// Package message defines the values carried inside protocol frames and the
// registry entry describing a provider.
//
// A Call travels in a REQUEST frame and a Result in the matching RESPONSE
// frame. Both are serialized by the codec selected in the frame header.
package message

import "fmt"

// Call identifies which method on which versioned service to invoke.
//
// Each parameter is serialized on its own with the frame's codec, so the
// provider can decode it straight into the concrete Go type of the target
// method. A nil parameter travels as an empty slot.
type Call struct {
	Service    string   `json:"service" msgpack:"service"`
	Version    string   `json:"version" msgpack:"version"`
	Method     string   `json:"method" msgpack:"method"`
	ParamTypes []string `json:"param_types" msgpack:"param_types"` // Go type descriptors, "" for nil arguments
	Params     [][]byte `json:"params" msgpack:"params"`
}

// Key returns the ServiceKey the call is addressed to.
func (c *Call) Key() string {
	return ServiceKey(c.Service, c.Version)
}

func (c *Call) String() string {
	return fmt.Sprintf("%s.%s", c.Key(), c.Method)
}

// Result carries either the serialized return value or a failure message.
// The frame header's status says which one is meaningful.
type Result struct {
	Data    []byte `json:"data,omitempty" msgpack:"data,omitempty"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Failf builds a failure result. An empty message becomes "remote error"
// so the result still reads as failed.
func Failf(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = "remote error"
	}
	return &Result{Message: msg}
}

// Failed reports whether the result carries a failure message.
func (r *Result) Failed() bool {
	return r.Message != ""
}

// ServiceKey joins a service name and version into the lookup key used by
// the provider's service table and the registry cache.
func ServiceKey(name, version string) string {
	return name + "#" + version
}

// ServiceInstance is one live provider of a service. Identity is
// (Name, Version, Addr).
type ServiceInstance struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Addr    string `json:"addr"`             // host:port reachable by consumers
	Weight  int    `json:"weight,omitempty"` // For weighted balancing, 0 is treated as 1
}

// Key returns the instance's ServiceKey.
func (s ServiceInstance) Key() string {
	return ServiceKey(s.Name, s.Version)
}

func (s ServiceInstance) String() string {
	return s.Key() + "@" + s.Addr
}
