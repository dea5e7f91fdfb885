package marking

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Lifecycle event subjects. The auditor consumes finished events; the others
// exist for dashboards and future consumers.
const (
	SubjectStarted  = "qrmark.marking.started"
	SubjectExpired  = "qrmark.marking.expired"
	SubjectResumed  = "qrmark.marking.resumed"
	SubjectFinished = "qrmark.marking.finished"
)

// LifecycleEvent is the JSON payload published on every subject. Count fields
// are zero-valued where they do not apply yet.
type LifecycleEvent struct {
	SessionID  string    `json:"session_id"`
	OwnerID    int64     `json:"owner_id"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Discipline string    `json:"discipline,omitempty"`
	Group      string    `json:"group,omitempty"`
	At         time.Time `json:"at"`
}

const publishTimeout = 5 * time.Second

// publishEvent is fire-and-forget: eventing never affects session state.
func (o *Orchestrator) publishEvent(subject string, session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	evt := LifecycleEvent{
		SessionID:  session.ID,
		OwnerID:    session.OwnerID,
		State:      string(session.State),
		Total:      session.Total,
		Processed:  session.Processed(),
		Successful: session.Successful(),
		Failed:     session.Failed(),
		Discipline: session.Discipline,
		Group:      session.Group,
		At:         time.Now().UTC(),
	}

	if err := o.bus.Publish(ctx, subject, evt); err != nil {
		log.Warn().Err(err).Str("subject", subject).Str("session_id", session.ID).Msg("publish lifecycle event")
	}
}
