package tool

import (
	"context"
	"time"
)

// EstimateCap is the highest percent the estimator reports. 100 is reserved
// for the real completion.
const EstimateCap = 90

// EstimatePercent is the time-based estimate: 2% per elapsed second, capped.
// It is an approximation, not a measurement.
func EstimatePercent(elapsed time.Duration) int {
	pct := int(elapsed/time.Second) * 2
	if pct > EstimateCap {
		return EstimateCap
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// FetchWithEstimate runs f.Fetch and calls emit with an estimated event on
// every tick while the fetch is in flight. emit runs on the calling goroutine
// and is never called after FetchWithEstimate returns.
func FetchWithEstimate(ctx context.Context, f Fetcher, req FetchRequest, tick time.Duration, emit func(ProgressEvent)) (Result, error) {
	if tick <= 0 {
		tick = time.Second
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := f.Fetch(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			return out.res, out.err
		case <-ticker.C:
			elapsed := time.Since(start)
			if emit != nil {
				emit(ProgressEvent{
					Percent:   EstimatePercent(elapsed),
					Elapsed:   elapsed,
					Estimated: true,
				})
			}
		}
	}
}
