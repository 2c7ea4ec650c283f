package conduit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/strongdm/conduit/internal/config"
)

// DelayForAttempt computes the retry delay: min(base * 2^attempt, max),
// plus up to one base interval of jitter. Jitter is derived from a seed
// rather than a PRNG so delays are reproducible for a given run.
func DelayForAttempt(attempt int, retry config.RetryConfig, jitterEnabled bool, jitterSeed string) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(retry.BackoffBaseMS)
	maxMS := float64(retry.BackoffMaxMS)
	delayMS := math.Min(base*math.Pow(2, float64(attempt)), maxMS)
	if jitterEnabled {
		delayMS += jitterUnit(jitterSeed) * base
	}
	if delayMS < 0 {
		delayMS = 0
	}
	return time.Duration(delayMS * float64(time.Millisecond))
}

// jitterUnit maps a seed to [0,1] deterministically.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func backoffSeed(runID string, phase Phase, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, phase, attempt)
}

// sleepWithContext sleeps for delay unless ctx ends first. Returns false if
// the context ended.
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
