package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const queueSize = 2048

var (
	mu      sync.RWMutex
	base    zerolog.Logger
	started sync.Once

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("PTLND_DEBUG") == "1"
}

func start() {
	started.Do(func() {
		var w io.Writer = os.Stderr
		level := zerolog.InfoLevel
		if enabled() {
			level = zerolog.DebugLevel
			// Debug output is heavy; drop lines rather than block the event loop.
			w = diode.NewWriter(os.Stderr, queueSize, 10*time.Millisecond, func(int) {})
		}
		mu.Lock()
		base = zerolog.New(w).Level(level).With().Timestamp().Logger()
		mu.Unlock()
	})
}

// SetOutput redirects all logging to w. Tests use it to capture output.
func SetOutput(w io.Writer, level zerolog.Level) {
	start()
	mu.Lock()
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// L returns the process logger for callers that want structured fields.
func L() *zerolog.Logger {
	start()
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

// With returns a child logger carrying a component name.
func With(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

func Logf(format string, args ...any) {
	L().Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	L().Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	L().Error().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	L().Debug().Msg(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at warn level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Warnf(format, args...)
}
