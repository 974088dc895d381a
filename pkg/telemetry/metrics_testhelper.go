package telemetry

import "sync"

// ResetMetricsForTest drops the cached node instruments so the next recording
// binds to the current global MeterProvider. Test code only.
func ResetMetricsForTest() {
	instrumentsOnce = sync.Once{}
	instruments = nil
	instrumentsErr = nil
}
