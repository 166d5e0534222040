package controlapi

import "time"

// timeNowAsScheduled is the scheduled_time an ad-hoc submit_job call uses:
// immediate execution, the same "now" a manual trigger implies.
func timeNowAsScheduled() time.Time {
	return time.Now().UTC()
}
