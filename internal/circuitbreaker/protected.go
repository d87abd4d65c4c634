package circuitbreaker

import (
	"context"

	"go.uber.org/zap"
)

// SMSSender matches delivery.SMSSender without importing it.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, body string) error
}

// EmailSender matches delivery.EmailSender without importing it.
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// ProtectedSMS wraps an SMS provider with a breaker. All admin numbers share
// one breaker because they share one provider.
type ProtectedSMS struct {
	sender  SMSSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSMS wraps sender with breaker.
func NewProtectedSMS(sender SMSSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSMS {
	return &ProtectedSMS{sender: sender, breaker: breaker, logger: logger}
}

// SendSMS fails fast with ErrCircuitOpen while the circuit is open.
func (p *ProtectedSMS) SendSMS(ctx context.Context, phone, body string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.SendSMS(ctx, phone, body)
	})
	if err != nil {
		p.logger.Debug("protected sms call failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker exposes the breaker for stats.
func (p *ProtectedSMS) Breaker() *CircuitBreaker {
	return p.breaker
}

// ProtectedEmail wraps an e-mail provider with a breaker.
type ProtectedEmail struct {
	sender  EmailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedEmail wraps sender with breaker.
func NewProtectedEmail(sender EmailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEmail {
	return &ProtectedEmail{sender: sender, breaker: breaker, logger: logger}
}

// SendEmail fails fast with ErrCircuitOpen while the circuit is open.
func (p *ProtectedEmail) SendEmail(ctx context.Context, to []string, subject, body string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.SendEmail(ctx, to, subject, body)
	})
	if err != nil {
		p.logger.Debug("protected email call failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker exposes the breaker for stats.
func (p *ProtectedEmail) Breaker() *CircuitBreaker {
	return p.breaker
}
