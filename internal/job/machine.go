// Package job drives the per-document processing lifecycle: the state
// machine, the cooperative timeout manager, the pipeline steps, and the
// deletion workflow.
package job

import (
	"fmt"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Event is a lifecycle trigger on a document run.
type Event string

const (
	EventProcess   Event = "process"
	EventSuccess   Event = "success"
	EventRetriable Event = "retriable"
	EventFatal     Event = "fatal"
	EventCancel    Event = "cancel"
)

// Effect names a side effect the caller must execute after a transition.
// The machine stays pure: it decides, the runner and the dispatcher act.
type Effect string

const (
	EffectPersistStatus Effect = "persist_status"
	EffectAppendEvent   Effect = "append_event"
	EffectWriteSnapshot Effect = "write_snapshot"
	EffectEmitAudit     Effect = "emit_audit"
	EffectReschedule    Effect = "reschedule"
	EffectDeadLetter    Effect = "dead_letter"
)

// Next returns the document status following ev and the effects owed on that
// transition. Transitions outside the lifecycle fail with the invalid-input
// sentinel.
func Next(status domain.DocumentStatus, ev Event) (domain.DocumentStatus, []Effect, error) {
	switch ev {
	case EventProcess:
		if status == domain.DocUploaded || status == domain.DocRetrying {
			return domain.DocProcessing, []Effect{EffectPersistStatus, EffectAppendEvent, EffectWriteSnapshot}, nil
		}
	case EventSuccess:
		if status == domain.DocProcessing {
			return domain.DocCompleted, []Effect{EffectPersistStatus, EffectAppendEvent, EffectWriteSnapshot, EffectEmitAudit}, nil
		}
	case EventRetriable:
		if status == domain.DocProcessing {
			return domain.DocRetrying, []Effect{EffectPersistStatus, EffectAppendEvent, EffectWriteSnapshot, EffectReschedule}, nil
		}
	case EventFatal:
		if status == domain.DocProcessing || status == domain.DocRetrying {
			return domain.DocFailed, []Effect{EffectPersistStatus, EffectAppendEvent, EffectWriteSnapshot, EffectEmitAudit, EffectDeadLetter}, nil
		}
	case EventCancel:
		if status != domain.DocCompleted {
			return domain.DocFailed, []Effect{EffectPersistStatus, EffectAppendEvent, EffectWriteSnapshot, EffectEmitAudit}, nil
		}
	}
	return status, nil, fmt.Errorf("op=job.Next: no transition from %s on %s: %w", status, ev, domain.ErrInvalidInput)
}

// Startable reports whether a worker may pick up a document in this status.
func Startable(status domain.DocumentStatus) bool {
	return status == domain.DocUploaded || status == domain.DocRetrying
}

// EventKind maps a document status to the processing-event kind written on
// that transition.
func EventKind(status domain.DocumentStatus) string {
	return string(status)
}
