// Package scheduler decides, on a fixed beat, which (pair, search
// settings) combinations need indexing now, and dispatches the work as
// queue tasks behind atomically created attempt rows.
package scheduler

import (
	"time"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// Decision is the outcome of the per-(pair, settings) table.
type Decision struct {
	Index bool
	// FromBeginning forces a full re-read rather than an incremental poll.
	FromBeginning bool
	// ClearTrigger means the pair's manual trigger was consumed.
	ClearTrigger bool
	Reason       string
}

func skip(reason string) Decision  { return Decision{Reason: reason} }
func index(reason string) Decision { return Decision{Index: true, Reason: reason} }

// Decide applies the decision table. last is the most recent attempt for
// (pair, settings), nil when none exists.
func Decide(pair model.ConnectorCredentialPair, settings model.SearchSettings, last *model.IndexAttempt, now time.Time) Decision {
	if pair.Source == model.SourceNotApplicable {
		return skip("source not applicable")
	}

	if settings.Status == model.SettingsFuture {
		switch {
		case last == nil:
			return index("future settings backfill")
		case last.Status == model.AttemptSuccess:
			return skip("future settings already succeeded")
		case !last.Status.IsTerminal():
			return skip("future settings attempt in progress")
		default:
			// Failed/canceled backfill: try again.
			return index("future settings retry after failure")
		}
	}

	if pair.Status == model.PairPaused && pair.IndexingTrigger == nil {
		return skip("pair paused")
	}

	if pair.IndexingTrigger != nil && settings.Status == model.SettingsPresent {
		d := index("manual trigger")
		d.ClearTrigger = true
		d.FromBeginning = *pair.IndexingTrigger == model.TriggerReindex
		return d
	}

	if last == nil {
		return index("no prior attempt")
	}

	if !last.Status.IsTerminal() {
		return skip("attempt in flight")
	}

	if pair.RefreshFreq == nil {
		return skip("no refresh frequency")
	}

	if now.Sub(last.TimeUpdated) < time.Duration(*pair.RefreshFreq)*time.Second {
		return skip("refresh window not elapsed")
	}

	return index("refresh due")
}
