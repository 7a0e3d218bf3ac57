package echo

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/codeGROOVE-dev/evsock/pkg/logger"
)

const (
	maxTrackedIPs = 10000 // Bounds limiter memory.
	rateWindow    = time.Minute
)

// Limits bounds what a single address may do. Zero fields disable the
// corresponding check.
type Limits struct {
	MaxConnsPerIP  int
	MaxConnsTotal  int
	RequestsPerMin int
}

// connLimiter tracks open connections per IP and in total.
type connLimiter struct {
	perIP    map[string]int
	total    int
	maxPerIP int
	maxTotal int
	mu       sync.Mutex
}

func newConnLimiter(maxPerIP, maxTotal int) *connLimiter {
	return &connLimiter{perIP: make(map[string]int), maxPerIP: maxPerIP, maxTotal: maxTotal}
}

// add reserves a slot for ip and reports whether one was available.
func (l *connLimiter) add(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxTotal > 0 && l.total >= l.maxTotal {
		return false
	}
	n, exists := l.perIP[ip]
	if l.maxPerIP > 0 && n >= l.maxPerIP {
		return false
	}
	if !exists && len(l.perIP) >= maxTrackedIPs {
		return false
	}
	l.perIP[ip] = n + 1
	l.total++
	return true
}

func (l *connLimiter) remove(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.perIP[ip]
	if !ok {
		return
	}
	l.total--
	if n <= 1 {
		delete(l.perIP, ip)
		return
	}
	l.perIP[ip] = n - 1
}

// rateLimiter is a fixed-window request counter per IP.
type rateLimiter struct {
	clock   clockwork.Clock
	windows map[string]*window
	limit   int
	mu      sync.Mutex
}

type window struct {
	reset time.Time
	count int
}

func newRateLimiter(limit int, clock clockwork.Clock) *rateLimiter {
	return &rateLimiter{clock: clock, windows: make(map[string]*window), limit: limit}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.windows[ip]
	if !ok || now.After(w.reset) {
		if !ok && len(rl.windows) >= maxTrackedIPs {
			rl.sweep(now)
			if len(rl.windows) >= maxTrackedIPs {
				return false
			}
		}
		rl.windows[ip] = &window{count: 1, reset: now.Add(rateWindow)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows. Called with mu held.
func (rl *rateLimiter) sweep(now time.Time) {
	for ip, w := range rl.windows {
		if now.After(w.reset) {
			delete(rl.windows, ip)
		}
	}
}

// clientIP uses RemoteAddr only; forwarded headers can be spoofed.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware wraps next with request logging, panic recovery, security
// headers and, when l.RequestsPerMin is set, per-IP rate limiting.
func Middleware(next http.Handler, l Limits, clock clockwork.Clock) http.Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var rl *rateLimiter
	if l.RequestsPerMin > 0 {
		rl = newRateLimiter(l.RequestsPerMin, clock)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		start := clock.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.Error("panic recovered", fmt.Errorf("%v", v), logger.Fields{
					"ip": ip, "path": r.URL.Path, "stack": string(buf[:n]),
				})
				http.Error(wrapped, "internal server error", http.StatusInternalServerError)
			}
			fields := logger.Fields{
				"status": wrapped.statusCode, "path": r.URL.Path, "ip": ip,
				"duration": clock.Since(start).String(),
			}
			if wrapped.statusCode >= http.StatusBadRequest {
				logger.Warn("http request failed", fields)
				return
			}
			logger.Debug("http request", fields)
		}()

		if rl != nil && !rl.allow(ip) {
			http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		wrapped.Header().Set("X-Content-Type-Options", "nosniff")
		wrapped.Header().Set("X-Frame-Options", "DENY")
		wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		next.ServeHTTP(wrapped, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs in order to hijack the connection.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to the WebSocket server; x/net asserts
// http.Hijacker directly.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.written = true
	rw.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}
