package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceKey(t *testing.T) {
	call := &Call{Service: "HelloFacade", Version: "1.0.0", Method: "hello"}
	assert.Equal(t, "HelloFacade#1.0.0", call.Key())
	assert.Equal(t, "HelloFacade#1.0.0.hello", call.String())

	inst := ServiceInstance{Name: "HelloFacade", Version: "1.0.0", Addr: "127.0.0.1:8080"}
	assert.Equal(t, call.Key(), inst.Key())
	assert.NotEqual(t, ServiceKey("HelloFacade", "1.0.0"), ServiceKey("HelloFacade", "1.0.1"))
}

func TestServiceInstanceJSON(t *testing.T) {
	inst := ServiceInstance{Name: "HelloFacade", Version: "1.0.0", Addr: "127.0.0.1:8080", Weight: 3}

	data, err := json.Marshal(inst)
	require.NoError(t, err)

	var decoded ServiceInstance
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, inst, decoded)
}

func TestResultFailed(t *testing.T) {
	assert.False(t, (&Result{Data: []byte(`"ok"`)}).Failed())
	r := Failf("service not found: %s", "HelloFacade#1.0.0")
	assert.True(t, r.Failed())
	assert.Equal(t, "service not found: HelloFacade#1.0.0", r.Message)
}

func TestFailfEmptyMessage(t *testing.T) {
	r := Failf("%v", "")
	assert.True(t, r.Failed())
	assert.Equal(t, "remote error", r.Message)
}
