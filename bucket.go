package orconn

import (
	"math"
	"time"

	"github.com/mmcloughlin/orconn/torconfig"
	"golang.org/x/time/rate"
)

// TokenBucket limits the bandwidth of one connection with a limiter per
// direction. Rate is in bytes per second and neither direction holds more
// than burst. The read side may go into debt: bytes already received are
// always charged.
type TokenBucket struct {
	read  *rate.Limiter
	write *rate.Limiter
}

// Apply sets the rate and burst at now. With reset both directions start
// full; otherwise a direction above the new burst is clamped down to it and
// nothing is raised.
func (b *TokenBucket) Apply(now time.Time, reset bool, r, burst int64) {
	if reset || b.read == nil {
		b.read = rate.NewLimiter(rate.Limit(r), int(burst))
		b.write = rate.NewLimiter(rate.Limit(r), int(burst))
		return
	}
	for _, l := range []*rate.Limiter{b.read, b.write} {
		l.SetLimitAt(now, rate.Limit(r))
		l.SetBurstAt(now, int(burst))
	}
}

// Rate is the refill rate in bytes per second.
func (b *TokenBucket) Rate() int64 { return int64(b.read.Limit()) }

// Burst is the most either direction can hold.
func (b *TokenBucket) Burst() int64 { return int64(b.read.Burst()) }

// Read returns the whole bytes in the read bucket at now. Negative while the
// connection is in debt.
func (b *TokenBucket) Read(now time.Time) int64 { return tokens(b.read, now) }

// Write returns the whole bytes in the write bucket at now.
func (b *TokenBucket) Write(now time.Time) int64 { return tokens(b.write, now) }

// DecrementRead charges n bytes read at now.
func (b *TokenBucket) DecrementRead(now time.Time, n int) { debit(b.read, now, n) }

// DecrementWrite charges n bytes written at now.
func (b *TokenBucket) DecrementWrite(now time.Time, n int) { debit(b.write, now, n) }

func tokens(l *rate.Limiter, now time.Time) int64 {
	return int64(math.Floor(l.TokensAt(now)))
}

// debit takes n tokens from l. A reservation larger than the burst is
// refused by the limiter, so large debits are split.
func debit(l *rate.Limiter, now time.Time, n int) {
	burst := l.Burst()
	if burst <= 0 {
		return
	}
	for n > 0 {
		k := min(n, burst)
		l.ReserveN(now, k)
		n -= k
	}
}

// Consensus parameter names for per-connection limits.
const (
	paramPerConnBWRate  = "perconnbwrate"
	paramPerConnBWBurst = "perconnbwburst"
)

// ComputeRateBurst determines the rate and burst for a connection to the
// relay with the given identity. Known relays get the relay-wide limits;
// everyone else gets the per-connection limits from configuration or the
// consensus.
func ComputeRateBurst(fp Fingerprint, cfg *torconfig.Config, dir RelayDirectory) (rate, burst int64) {
	if !fp.IsZero() && dir.IsKnownRelay(fp) {
		return cfg.BandwidthRate, cfg.BandwidthBurst
	}

	rate = cfg.PerConnBWRate
	if rate == 0 {
		rate = dir.ConsensusParam(paramPerConnBWRate, clamp(cfg.BandwidthRate, 1, math.MaxInt32), 1, math.MaxInt32)
	}

	burst = cfg.PerConnBWBurst
	if burst == 0 {
		burst = dir.ConsensusParam(paramPerConnBWBurst, clamp(cfg.BandwidthBurst, 1, math.MaxInt32), 1, math.MaxInt32)
	}

	return rate, burst
}
