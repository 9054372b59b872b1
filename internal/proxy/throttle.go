package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
)

// EffectiveSpeed resolves the per-request speed profile: the
// wayback_speed cookie when the selector is enabled and the value names
// a known tier, otherwise the configured default.
func EffectiveSpeed(r *http.Request, cfg *config.Config) string {
	if cfg.Throttle.Selector {
		if c, err := r.Cookie(cfg.Throttle.CookieName); err == nil {
			if _, ok := config.SpeedBytesPerSec(c.Value); ok {
				if c.Value == "none" {
					return "unlimited"
				}
				return c.Value
			}
		}
	}
	return cfg.Throttle.Speed
}

// writeThrottled streams body to w at bytesPerSec using a token bucket,
// writing 100 ms chunks and flushing each one. Cancellation of ctx
// aborts the pacing sleep immediately. A non-positive rate writes
// everything at once.
func writeThrottled(ctx context.Context, w io.Writer, body []byte, bytesPerSec int) error {
	if bytesPerSec <= 0 || len(body) == 0 {
		_, err := w.Write(body)
		return err
	}

	chunk := bytesPerSec / 10
	if chunk < 1 {
		chunk = 1
	}
	limiter := rate.NewLimiter(rate.Limit(bytesPerSec), chunk)
	// Drain the initial burst so the very first chunk is already paced.
	limiter.ReserveN(time.Now(), chunk)

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(body); off += chunk {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		if err := limiter.WaitN(ctx, end-off); err != nil {
			return err
		}
		if _, err := w.Write(body[off:end]); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}
