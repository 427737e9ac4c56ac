package main

import (
	"sync"
	"time"
)

// cmdBucket is a continuously-refilled token bucket. A caller may burst up
// to one second's worth of actions, after which it is held to the steady
// rate. The zero value starts with a full burst on first use.
type cmdBucket struct {
	tokens float64
	last   time.Time
}

func (b *cmdBucket) take(perSec float64, now time.Time) bool {
	if b.last.IsZero() {
		b.tokens = perSec
	} else {
		b.tokens += now.Sub(b.last).Seconds() * perSec
		if b.tokens > perSec {
			b.tokens = perSec
		}
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// ClientCommandLimiter holds one audio and one waterfall command budget per
// connected client, keyed by the session UUID the WS handlers mint on
// upgrade. The audio and waterfall sockets of one client are limited
// independently: zoom scrubbing fires window commands in quick runs and
// must not starve tuning commands on the audio side. Budgets appear on a
// client's first command and are dropped by Forget when its socket closes,
// so the map tracks exactly the live sessions.
type ClientCommandLimiter struct {
	mu      sync.Mutex
	perSec  float64
	clients map[string]*clientBudget
}

type clientBudget struct {
	audio     cmdBucket
	waterfall cmdBucket
}

// NewClientCommandLimiter allows perSec commands per second per client per
// socket kind. A non-positive rate disables limiting.
func NewClientCommandLimiter(perSec int) *ClientCommandLimiter {
	return &ClientCommandLimiter{perSec: float64(perSec), clients: make(map[string]*clientBudget)}
}

func (l *ClientCommandLimiter) budget(clientID string) *clientBudget {
	b, ok := l.clients[clientID]
	if !ok {
		b = &clientBudget{}
		l.clients[clientID] = b
	}
	return b
}

// AllowAudio reports whether an audio-socket command from clientID fits
// its budget.
func (l *ClientCommandLimiter) AllowAudio(clientID string) bool {
	if l.perSec <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget(clientID).audio.take(l.perSec, time.Now())
}

// AllowWaterfall reports whether a waterfall-socket command from clientID
// fits its budget.
func (l *ClientCommandLimiter) AllowWaterfall(clientID string) bool {
	if l.perSec <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget(clientID).waterfall.take(l.perSec, time.Now())
}

// Forget drops a disconnected client's budgets.
func (l *ClientCommandLimiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// TrackedClients returns how many sessions currently hold a budget.
func (l *ClientCommandLimiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// ConnectAttemptLimiter bounds how fast a single IP may open new WebSocket
// sessions across /audio, /waterfall and /events, complementing the
// concurrent-connection cap below: the cap bounds how many sockets an IP
// holds, this bounds how fast it may churn them.
type ConnectAttemptLimiter struct {
	mu      sync.Mutex
	perSec  float64
	sources map[string]*connSource
}

type connSource struct {
	bucket   cmdBucket
	lastSeen time.Time
}

// NewConnectAttemptLimiter allows perSec new connections per second per
// source IP. A non-positive rate disables limiting.
func NewConnectAttemptLimiter(perSec int) *ConnectAttemptLimiter {
	return &ConnectAttemptLimiter{perSec: float64(perSec), sources: make(map[string]*connSource)}
}

// Allow reports whether ip may open another WebSocket session right now.
func (l *ConnectAttemptLimiter) Allow(ip string) bool {
	if l.perSec <= 0 {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.sources[ip]
	if !ok {
		src = &connSource{}
		l.sources[ip] = src
	}
	src.lastSeen = now
	return src.bucket.take(l.perSec, now)
}

// Sweep drops source entries idle for five minutes. Unlike command
// budgets, connection attempts carry no disconnect hook for their source
// IP, so stale buckets are reaped on the periodic metrics tick instead.
func (l *ConnectAttemptLimiter) Sweep() {
	cutoff := time.Now().Add(-5 * time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, src := range l.sources {
		if src.lastSeen.Before(cutoff) {
			delete(l.sources, ip)
		}
	}
}

// TrackedSources returns how many IPs currently hold a bucket.
func (l *ConnectAttemptLimiter) TrackedSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// WsConnectionLimiter caps concurrent (not per-second) WebSocket
// connections per source IP: a scoped guard whose Release decrements the
// count when the connection handler returns.
type WsConnectionLimiter struct {
	mu       sync.Mutex
	counts   map[string]int
	perIPMax int
}

func NewWsConnectionLimiter(perIPMax int) *WsConnectionLimiter {
	return &WsConnectionLimiter{counts: make(map[string]int), perIPMax: perIPMax}
}

// WsIPGuard releases one held slot when the connection handler exits.
type WsIPGuard struct {
	limiter *WsConnectionLimiter
	ip      string
}

// TryAcquire reserves one connection slot for ip, returning ok=false if the
// per-IP cap (params.WSPerIP) is already reached.
func (w *WsConnectionLimiter) TryAcquire(ip string) (*WsIPGuard, bool) {
	if w.perIPMax <= 0 {
		return &WsIPGuard{limiter: w, ip: ip}, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[ip] >= w.perIPMax {
		return nil, false
	}
	w.counts[ip]++
	return &WsIPGuard{limiter: w, ip: ip}, true
}

// Release returns the slot held by this guard. Safe to call once; a nil
// guard is a no-op so callers can defer unconditionally after a failed
// TryAcquire.
func (g *WsIPGuard) Release() {
	if g == nil || g.limiter == nil {
		return
	}
	g.limiter.mu.Lock()
	defer g.limiter.mu.Unlock()
	if g.limiter.counts[g.ip] > 0 {
		g.limiter.counts[g.ip]--
		if g.limiter.counts[g.ip] == 0 {
			delete(g.limiter.counts, g.ip)
		}
	}
	g.limiter = nil
}
