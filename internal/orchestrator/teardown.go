package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/internal/callctl"
	"github.com/clearline/voice-bridge/internal/registry"
	"github.com/clearline/voice-bridge/pkg/logger"
)

// TeardownRecord releases everything a single call record owns: the SIP
// trunk leg, the bridge participant, and the registry entry. Each step
// runs regardless of what the previous steps returned, so a retry of a
// partially torn down record converges instead of sticking.
func (o *Orchestrator) TeardownRecord(ctx context.Context, rec *registry.CallRecord) {
	rec.MarkTerminating()

	if id := rec.BridgeCallID(); id != "" {
		if err := o.calls.EndCall(ctx, id); err != nil {
			if callctl.IsBenign(err) {
				logger.Base().Info("sip leg already gone", zap.String("call_id", id))
			} else {
				logger.Base().Error("failed to end sip leg", zap.String("call_id", id), zap.Error(err))
			}
		}
	}

	if err := o.sessions.DeleteParticipant(ctx, rec.Key()); err != nil {
		logger.Base().Error("failed to delete bridge participant",
			zap.String("participant_id", rec.Key()), zap.Error(err))
	}

	if !o.registry.Delete(rec.Key()) {
		logger.Base().Info("call record already removed", zap.String("participant_id", rec.Key()))
	}

	rec.MarkTerminated()
}

// TeardownAll tears down every live call record and then the session-side
// resources shared across calls: the browser agent's participant and the
// session itself. Used when the browser agent disappears and on shutdown.
func (o *Orchestrator) TeardownAll(ctx context.Context) {
	records := o.registry.All()
	logger.Base().Info("tearing down all calls", zap.Int("count", len(records)))

	for _, rec := range records {
		o.TeardownRecord(ctx, rec)
	}

	if webID := o.notifier.WebParticipantID(); webID != "" {
		if err := o.sessions.DeleteParticipant(ctx, webID); err != nil {
			logger.Base().Error("failed to delete web participant",
				zap.String("participant_id", webID), zap.Error(err))
		}
	}

	if err := o.sessions.DeleteSession(ctx); err != nil {
		logger.Base().Error("failed to delete session", zap.Error(err))
	}
}
