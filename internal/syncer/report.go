package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/bundle"
	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/oplog"
)

// Report describes one cycle.
type Report struct {
	Source   string
	Started  time.Time
	Duration time.Duration

	Pushed  oplog.PushResult
	PushErr error

	Ingest bundle.Result

	// Pending is the number of PENDING operations after the cycle, when
	// the coordinator has an operation log.
	Pending int

	// Err is the most severe failure of any phase.
	Err error
}

// OK reports whether every phase succeeded.
func (r Report) OK() bool { return r.Err == nil }

// Summary is the single status line shown to the user.
func (r Report) Summary() string {
	if r.OK() {
		var b strings.Builder
		fmt.Fprintf(&b, "sync ok: %d blueprints, %d records", r.Ingest.Blueprints, r.Ingest.Records())
		if len(r.Ingest.Skipped) > 0 {
			fmt.Fprintf(&b, " (%d blueprints kept at a newer version)", len(r.Ingest.Skipped))
		}
		if r.Pushed.Attempted > 0 {
			fmt.Fprintf(&b, ", pushed %d", r.Pushed.Synced)
			if r.Pushed.Failed > 0 {
				fmt.Fprintf(&b, " (%d rejected)", r.Pushed.Failed)
			}
		}
		fmt.Fprintf(&b, " in %s", r.Duration.Round(time.Millisecond))
		return b.String()
	}

	switch fault.CodeOf(r.Err) {
	case fault.CodeBusy:
		return "sync skipped: " + reason(r.Err)
	case fault.CodeTransport:
		return "sync failed: remote unavailable, will retry (" + reason(r.Err) + ")"
	case fault.CodeMalformed:
		return "sync failed: bundle rejected (" + reason(r.Err) + ")"
	case fault.CodeStorage:
		return "SYNC ERROR: local storage failure, data on this device may need attention (" + reason(r.Err) + ")"
	}
	return "sync failed: " + r.Err.Error()
}

func reason(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Message != "" && fe.Err == nil {
		return fe.Message
	}
	return err.Error()
}
