package transfer

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type transferTracker struct {
	tracker analytics.Tracker
}

// newTransferTracker returns a tracker sending transfer events, or a no-op
// tracker when analytics are disabled.
func newTransferTracker(enabled bool, envRepo env.Repository, logger log.Logger) transferTracker {
	if !enabled || envRepo == nil {
		return transferTracker{}
	}
	p := analytics.Properties{
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":   envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
	}
	return transferTracker{tracker: analytics.NewDefaultTracker(logger, p)}
}

func (t transferTracker) logUploaded(result Result) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("blob_uploaded", analytics.Properties{
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Size,
		"chunk_count":       result.Chunks,
		"resumed_bytes":     result.ResumedBytes,
		"hash_algorithm":    string(result.HashAlgorithm),
	})
}

func (t transferTracker) logDownloaded(result Result) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("blob_downloaded", analytics.Properties{
		"download_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"download_size_bytes": result.Size,
		"chunk_count":         result.Chunks,
		"resumed_bytes":       result.ResumedBytes,
	})
}

func (t transferTracker) wait() {
	if t.tracker != nil {
		t.tracker.Wait()
	}
}
