package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClose_WithoutServe(t *testing.T) {
	m := New(zap.NewNop())
	assert.NoError(t, m.Close(context.Background()))
}

func TestServe_ConcurrentCloseShutsDownCleanly(t *testing.T) {
	m := New(zap.NewNop())

	// Serve 在 goroutine 中赋值 server，Close 立即并发读取
	done := make(chan error, 1)
	go func() {
		done <- m.Serve("127.0.0.1:0")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
