package dispatcher

import (
	"context"
	"time"

	"commitrelay/internal/journal"
	"commitrelay/internal/logging"
	"commitrelay/internal/queue"
)

// journalWriteTimeout bounds a single eviction write.
const journalWriteTimeout = 5 * time.Second

// JournalEvictions returns a queue observer that records every discarded
// item in the journal. Poison drops are recorded as dropped, everything else
// as evicted with the reason in the detail column.
func JournalEvictions(r Recorder, logger *logging.Logger) queue.EvictionObserver {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("dispatcher")

	return queue.EvictionFunc(func(item queue.Item, reason queue.EvictionReason) {
		outcome := journal.OutcomeEvicted
		if reason == queue.DroppedPoison {
			outcome = journal.OutcomeDropped
		}

		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()

		err := r.Record(ctx, journal.Entry{
			ItemID:      item.ID,
			ProjectID:   item.Payload.ProjectID,
			ProjectName: item.Payload.ProjectName,
			CommitCount: len(item.Payload.Commits),
			HeadSHA:     item.Payload.HeadSHA(),
			Outcome:     outcome,
			Detail:      string(reason) + ": " + item.Error,
		})
		if err != nil {
			logger.Warn("journal write failed", "item", item.ID, "error", err)
		}
	})
}
