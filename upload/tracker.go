package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// uploadTracker reports task outcomes to the usage analytics backend. A nil
// inner tracker turns every call into a no-op.
type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

// newDefaultTracker builds the tracker used by NewDefaultManager, stamped
// with the identity of the CI build it runs in.
func newDefaultTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return analytics.NewDefaultTracker(logger, p)
}

func (t *uploadTracker) logTaskCompleted(uploadTime time.Duration, sizeBytes int64, chunkCount int, usedFallback bool) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"chunk_count":       chunkCount,
		"used_fallback":     usedFallback,
	}
	t.tracker.Enqueue("upload_task_completed", properties)
}

func (t *uploadTracker) logTaskFailed(reason string, sizeBytes int64) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"reason":            reason,
		"upload_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("upload_task_failed", properties)
}

func (t *uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
