package worker

import (
	"context"

	"checkout-engine/internal/broker"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

type consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentWorker applies payment gateway events to orders
type PaymentWorker struct {
	consumer     consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer consumer, paymentService *service.PaymentService) *PaymentWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSuccess(paymentService.HandlePaymentSuccess)
	eventHandler.OnPaymentFailed(paymentService.HandlePaymentFailed)

	return &PaymentWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start consumes until ctx is cancelled
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}
