package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// ApplyUpdate hands an assessment update to the store off the caller's
// goroutine. The room assessment_<id> sees the update only once the store
// has accepted it; the sender alone hears about a rejection. An update the
// store commits after c closed is still broadcast. Nothing is delivered to c
// after it closes, and retried submissions are not deduplicated.
func (o *Orchestrator) ApplyUpdate(c *core.Conn, assessmentID string, updates json.RawMessage) error {
	u, err := o.requireUser(c)
	if err != nil {
		return err
	}
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.applyUpdate(c, u.ID, assessmentID, updates)
	}()
	return nil
}

func (o *Orchestrator) applyUpdate(c *core.Conn, uid domain.UserID, assessmentID string, updates json.RawMessage) {
	ctx := c.Context()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	storeCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	err := o.Store.ApplyUpdate(storeCtx, assessmentID, updates, uid)
	cancel()

	logger := log.With().Str("module", "app.orch").Str("conn", c.String()).Str("user", string(uid)).
		Str("assessment", assessmentID).Logger()
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug().Err(err).Msg("assessment update abandoned, connection closed")
			return
		}
		code := protocol.CodeStoreRejected
		if errors.Is(err, context.DeadlineExceeded) {
			code = protocol.CodeTimeout
		}
		logger.Info().Err(err).Str("code", code).Msg("assessment update rejected")
		_ = c.Send(protocol.MustEncode(protocol.TypeAssessmentError, protocol.AssessmentFailed{
			AssessmentID: assessmentID,
			Code:         code,
			Error:        err.Error(),
		}))
		return
	}

	now := o.now()
	room := domain.AssessmentRoom(assessmentID)
	sent := 0
	if r, ok := o.Rooms.Get(room); ok {
		res := r.Publish(protocol.MustEncode(protocol.TypeAssessmentUpdated, protocol.AssessmentUpdated{
			AssessmentID: assessmentID,
			Updates:      updates,
			UpdatedBy:    uid,
			Timestamp:    now,
		}), c)
		sent = res.SentTo
		o.handleDropped(room, res)
	}
	_ = c.Send(protocol.MustEncode(protocol.TypeAssessmentConfirmed, protocol.AssessmentConfirmed{
		AssessmentID: assessmentID,
		Status:       "saved",
		Timestamp:    now,
	}))
	o.track(domain.ActivityAssessment, c, room, map[string]string{"assessment_id": assessmentID})
	logger.Debug().Int("sent_to", sent).Msg("assessment update applied")
}

// Wait blocks until in-flight assessment updates finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
