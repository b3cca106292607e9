package ip

import "time"

// nowFunc is overridden in tests so the timestamp option and retransmit ID
// counter are deterministic.
var nowFunc = time.Now

func currentTimestampMillisAt(now time.Time) uint32 {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(now.Sub(midnight).Milliseconds())
}
