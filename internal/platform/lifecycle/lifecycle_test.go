package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnloadRunsOnce(t *testing.T) {
	h := New()
	var order []int
	h.OnUnload(func() { order = append(order, 1) })
	cancel := h.OnUnload(func() { order = append(order, 2) })
	h.OnUnload(func() { order = append(order, 3) })
	cancel()
	cancel()

	h.NotifyUnload()
	h.NotifyUnload()
	assert.Equal(t, []int{1, 3}, order)
}

func TestOnlineHandlers(t *testing.T) {
	h := New()
	var n atomic.Int32
	off := h.OnOnline(func() { n.Add(1) })

	h.NotifyOnline()
	h.NotifyOnline()
	off()
	h.NotifyOnline()

	assert.Equal(t, int32(2), n.Load())
	unload, online := h.Listeners()
	assert.Zero(t, unload)
	assert.Zero(t, online)
}

func TestWatchConnectivity(t *testing.T) {
	h := New()
	var fired atomic.Int32
	h.OnOnline(func() { fired.Add(1) })

	var up atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.WatchConnectivity(ctx, 5*time.Millisecond, func(context.Context) bool { return up.Load() })

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fired.Load())

	up.Store(true)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	probe := HTTPProbe(srv.Client(), srv.URL)
	assert.True(t, probe(context.Background()))

	srv.Close()
	assert.False(t, probe(context.Background()))
}
