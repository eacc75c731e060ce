package main

import (
	"context"
	"log"
	"time"
)

const (
	webhookJournalCleanerTimeout = 1 * time.Minute
)

// startWebhookJournalCleaner prunes processed webhook deliveries older than
// retention. The invoice ledger is never touched.
func startWebhookJournalCleaner(ctx context.Context, journal journalPurger, retention, interval time.Duration, infoLog, errorLog *log.Logger) {
	if journal == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, webhookJournalCleanerTimeout)
			purged, err := journal.PurgeProcessedBefore(runCtx, time.Now().UTC().Add(-retention))
			cancel()
			if err != nil {
				if errorLog != nil {
					errorLog.Printf("webhook journal cleaner: failed to purge deliveries: %v", err)
				}
			} else if purged > 0 && infoLog != nil {
				infoLog.Printf("webhook journal cleaner: purged %d processed deliveries", purged)
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}
