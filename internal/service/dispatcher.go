package service

import (
	"context"

	"go.uber.org/zap"

	"analysis-gateway/internal/util"
)

// LogDispatcher is the default AnalysisDispatcher when no worker transport is
// wired: it records the handoff and relies on an external worker polling the
// queue and liveness namespaces.
type LogDispatcher struct{}

func (LogDispatcher) DispatchAnalysis(_ context.Context, d Dispatch) error {
	util.Info("analysis dispatched to worker",
		zap.String("wallet", d.Wallet),
		zap.String("job_id", d.JobID))
	return nil
}
