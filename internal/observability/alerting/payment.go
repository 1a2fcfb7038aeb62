package alerting

import (
	"context"
	"log/slog"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/pkg/logger"
)

// PaymentAlerter 将托管服务的支付失败事件转换为告警并分发。
type PaymentAlerter struct {
	dispatcher Dispatcher
}

// NewPaymentAlerter 创建支付失败告警器。
func NewPaymentAlerter(dispatcher Dispatcher) *PaymentAlerter {
	return &PaymentAlerter{dispatcher: dispatcher}
}

// PaymentFailure 实现 escrow.Alerter。
func (a *PaymentAlerter) PaymentFailure(ctx context.Context, event escrow.Event, cause error) {
	if a == nil || a.dispatcher == nil {
		return
	}
	alert := Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		ProjectID:  event.ProjectID,
		Milestone:  event.MilestoneIndex,
		Amount:     event.Amount,
		OccurredAt: time.Unix(event.OccurredAt, 0).UTC(),
	}
	if err := a.dispatcher.Notify(ctx, alert); err != nil {
		logger.L().Error("支付失败告警发送失败",
			slog.Uint64("project_id", event.ProjectID),
			slog.Any("error", err),
		)
	}
}

var _ escrow.Alerter = (*PaymentAlerter)(nil)
