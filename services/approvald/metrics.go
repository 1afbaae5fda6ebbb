package approvald

import (
	"context"

	"quorumpay/native/approval"
	"quorumpay/observability"
)

// metricsEmitter translates lifecycle events into Prometheus updates.
type metricsEmitter struct {
	metrics *observability.ApprovalMetrics
}

func newMetricsEmitter() metricsEmitter {
	return metricsEmitter{metrics: observability.Approvals()}
}

func (m metricsEmitter) Emit(_ context.Context, evt approval.Event) {
	switch evt.Type {
	case approval.EventOrderCreated:
		m.metrics.RecordCreated()
	case approval.EventOrderFinished:
		m.metrics.RecordFinalize("finished")
	case approval.EventOrderCancelled:
		m.metrics.RecordFinalize("cancelled")
	case approval.EventOrderFinalizeFailed:
		m.metrics.RecordFinalize("failed")
	case approval.EventOrderEvicted:
		m.metrics.RecordEviction()
	}
}

// approvalOutcome labels the result of an approval attempt.
func approvalOutcome(status approval.Status, err error) string {
	if err == nil {
		if status.AlreadyApproved {
			return "duplicate"
		}
		return "recorded"
	}
	switch approval.CodeOf(err) {
	case approval.CodeUnauthorized:
		return "unauthorized"
	case approval.CodeOrderClosed:
		return "closed"
	case approval.CodeOrderNotFound:
		return "not_found"
	default:
		return "error"
	}
}
