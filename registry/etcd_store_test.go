package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEtcdStore connects to a local etcd or skips the test.
func newTestEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	store, err := NewEtcdStore(EtcdConfig{
		Endpoints:      []string{"127.0.0.1:2379"},
		TTL:            5,
		DialTimeout:    time.Second,
		RequestTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	if _, err := store.List(context.Background(), "/mini-rpc-check/"); err != nil {
		store.Close()
		t.Skipf("etcd not available: %v", err)
	}
	return store
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewCachedRegistry(newTestEtcdStore(t), WithNamespace("/mini-rpc-test"))
	defer reg.Destroy()

	inst1 := instance(18001)
	inst2 := instance(18002)
	require.NoError(t, reg.Register(ctx, inst1))
	require.NoError(t, reg.Register(ctx, inst2))
	require.NoError(t, reg.Register(ctx, inst2))

	candidates, err := reg.Candidates(ctx, "HelloFacade", "1.0.0")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	require.NoError(t, reg.Unregister(ctx, inst1))
	assert.Eventually(t, func() bool {
		c, _ := reg.Candidates(ctx, "HelloFacade", "1.0.0")
		return len(c) == 1 && c[0].Addr == inst2.Addr
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, reg.Unregister(ctx, inst2))
	require.NoError(t, reg.Unregister(ctx, inst2))
}
