package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Host stands in for the page the stages live in: unload fires once when the
// process is asked to stop, online fires on every offline to online transition.
type Host struct {
	mu       sync.Mutex
	next     int
	unload   map[int]func()
	online   map[int]func()
	unloaded bool
}

func New() *Host {
	return &Host{unload: make(map[int]func()), online: make(map[int]func())}
}

func (h *Host) OnUnload(fn func()) func() { return h.add(h.unload, fn) }

func (h *Host) OnOnline(fn func()) func() { return h.add(h.online, fn) }

func (h *Host) add(set map[int]func(), fn func()) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	set[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, id)
			h.mu.Unlock()
		})
	}
}

func (h *Host) snapshot(set map[int]func()) []func() {
	out := make([]func(), 0, len(set))
	for id := 1; id <= h.next; id++ {
		if fn, ok := set[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// NotifyUnload runs the unload handlers once. Later calls do nothing.
func (h *Host) NotifyUnload() {
	h.mu.Lock()
	if h.unloaded {
		h.mu.Unlock()
		return
	}
	h.unloaded = true
	fns := h.snapshot(h.unload)
	h.mu.Unlock()

	log.Info().Str("module", "platform.lifecycle").Int("handlers", len(fns)).Msg("unload")
	for _, fn := range fns {
		fn()
	}
}

func (h *Host) NotifyOnline() {
	h.mu.Lock()
	fns := h.snapshot(h.online)
	h.mu.Unlock()

	log.Info().Str("module", "platform.lifecycle").Int("handlers", len(fns)).Msg("online")
	for _, fn := range fns {
		fn()
	}
}

// Listeners reports the number of registered unload and online handlers.
func (h *Host) Listeners() (unload, online int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unload), len(h.online)
}

// WatchSignals calls NotifyUnload on the first of sigs and returns a context
// canceled at the same moment.
func (h *Host) WatchSignals(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sctx, stop := signal.NotifyContext(ctx, sigs...)
	go func() {
		<-sctx.Done()
		if ctx.Err() == nil {
			h.NotifyUnload()
		}
	}()
	return sctx, stop
}

// Probe reports whether the network is reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe treats any HTTP response from url as online.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// WatchConnectivity polls probe every interval until ctx is done and calls
// NotifyOnline whenever an offline probe is followed by an online one.
func (h *Host) WatchConnectivity(ctx context.Context, interval time.Duration, probe Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			up := probe(pctx)
			cancel()
			switch {
			case up && !online:
				log.Info().Str("module", "platform.lifecycle").Msg("network back online")
				h.NotifyOnline()
			case !up && online:
				log.Warn().Str("module", "platform.lifecycle").Msg("network offline")
			}
			online = up
		}
	}
}
