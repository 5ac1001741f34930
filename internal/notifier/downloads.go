package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/zim_downloader/internal/downloader"
	"github.com/italolelis/zim_downloader/internal/logctx"
)

// WatchDownloads posts a message for every completed or failed download until
// events is closed or ctx is done.
func WatchDownloads(ctx context.Context, n Notifier, events <-chan downloader.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			msg, ok := Message(ev)
			if !ok {
				continue
			}

			if err := n.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "item_id", ev.Status.ItemID, "err", err)
			}
		}
	}
}

// Message renders the notification for ev. Only terminal events produce one.
func Message(ev downloader.Event) (string, bool) {
	s := ev.Status

	switch ev.Type {
	case downloader.EventCompleted:
		size := ""
		if s.ExpectedBytes > 0 {
			size = " (" + humanize.Bytes(uint64(s.ExpectedBytes)) + ")"
		}

		return fmt.Sprintf("✅ Download finished: %s%s", s.ItemID, size), true
	case downloader.EventFailed:
		return fmt.Sprintf("❌ Download failed: %s at %s: %s",
			s.ItemID, humanize.FtoaWithDigits(s.FractionComplete*100, 1)+"%", s.ErrorMessage), true
	default:
		return "", false
	}
}

// AllFinished is the message posted once the engine has delivered every
// pending background event.
func AllFinished(counts downloader.Counts) string {
	return fmt.Sprintf("📚 Background downloads settled: %d local, %d paused, %d failed", counts.Local, counts.Paused, counts.Error)
}
