package activity

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/eraser-privacy/optout/internal/domain"
)

// Sink persists activity entries.
type Sink interface {
	InsertActivity(ctx context.Context, a *domain.Activity) error
}

// Recorder appends to the audit log. A failed write is logged and swallowed so
// that it never fails the operation being recorded.
type Recorder struct {
	sink Sink
	log  logrus.FieldLogger
}

func NewRecorder(sink Sink, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{sink: sink, log: log}
}

// Record writes a. It is safe to call on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, a domain.Activity) {
	if r == nil || r.sink == nil {
		return
	}
	// the audit entry should land even when the caller was cancelled
	ctx = context.WithoutCancel(ctx)
	if err := r.sink.InsertActivity(ctx, &a); err != nil {
		r.log.WithFields(logrus.Fields{
			"user_id":  a.UserID,
			"activity": a.Type,
		}).WithError(err).Warn("failed to record activity")
	}
}

// Entry starts an activity for the given user.
func Entry(userID string, typ domain.ActivityType, message string) domain.Activity {
	return domain.Activity{UserID: userID, Type: typ, Message: message}
}
