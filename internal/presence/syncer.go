package presence

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/storyloom/backend/internal/db"
)

// Store is the slice of the persistence layer the synchronizer touches.
type Store interface {
	UpsertWritingSession(storyID, userName string, active bool) error
}

// Syncer reconciles transient connection presence with the durable writing
// session record. It is deliberately decoupled from room fan-out: a
// persistence outage degrades presence accuracy without breaking delivery.
type Syncer struct {
	store Store
	log   *logrus.Entry
}

func NewSyncer(store Store) *Syncer {
	return &Syncer{
		store: store,
		log:   logrus.WithField("component", "presence"),
	}
}

// SetActive upserts the writing session for (story, user). A concurrently
// deleted story is a no-op: the connection may already be mid-teardown. A
// transient failure is retried once, then logged and dropped; a stale
// presence view is acceptable, losing the connection is not.
func (s *Syncer) SetActive(storyID, userName string, active bool) {
	if userName == "" {
		// Anonymous participants never produce a durable record.
		return
	}

	err := s.store.UpsertWritingSession(storyID, userName, active)
	if err == nil {
		return
	}
	if errors.Is(err, db.ErrStoryNotFound) {
		s.log.WithFields(logrus.Fields{"story_id": storyID, "user": userName}).
			Debug("Story gone during session sync, skipping")
		return
	}

	if err = s.store.UpsertWritingSession(storyID, userName, active); err != nil {
		if errors.Is(err, db.ErrStoryNotFound) {
			return
		}
		s.log.WithFields(logrus.Fields{
			"story_id": storyID,
			"user":     userName,
			"active":   active,
		}).WithError(err).Warn("Dropping writing session update after retry")
	}
}
