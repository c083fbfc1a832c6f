package otp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
)

// DeliveryMode decides what happens when a message cannot be sent.
type DeliveryMode string

const (
	// DeliveryStrict fails the request when delivery fails.
	DeliveryStrict DeliveryMode = "strict"
	// DeliveryLoggedFallback logs the message, code included, and reports
	// success. For local development only; config validation refuses it in
	// production.
	DeliveryLoggedFallback DeliveryMode = "logged_fallback"
)

func (m DeliveryMode) Valid() bool { return m == DeliveryStrict || m == DeliveryLoggedFallback }

var (
	ErrDeliveryFailed      = apperr.New(apperr.KindDelivery, "DELIVERY_FAILED", "could not deliver message")
	ErrDeliveryUnavailable = ErrDeliveryFailed.Refine(apperr.KindDelivery, "DELIVERY_UNAVAILABLE", "no delivery transport configured for channel")
)

// Purpose tags what a message is for so transports can pick a template.
type Purpose string

const (
	PurposeOTP           Purpose = "otp"
	PurposePasswordReset Purpose = "password_reset"
)

// Message is one outbound notification.
type Message struct {
	Purpose   Purpose
	Channel   entity.Channel
	UserID    string
	To        string
	Subject   string
	Body      string
	Code      string
	ExpiresIn time.Duration
}

// Sender delivers a message over one transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Delivery routes messages to the sender for their channel under a bounded
// timeout and applies the configured DeliveryMode on failure.
type Delivery struct {
	senders map[entity.Channel]Sender
	mode    DeliveryMode
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewDelivery(mode DeliveryMode, timeout time.Duration, logger *zap.SugaredLogger) *Delivery {
	if !mode.Valid() {
		mode = DeliveryStrict
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Delivery{senders: map[entity.Channel]Sender{}, mode: mode, timeout: timeout, logger: logger}
}

// Register installs the sender for a channel. A nil sender leaves the channel unconfigured.
func (d *Delivery) Register(ch entity.Channel, s Sender) *Delivery {
	if s != nil {
		d.senders[ch] = s
	}
	return d
}

func (d *Delivery) Mode() DeliveryMode { return d.mode }

// Deliver sends msg. In strict mode any failure, including a timeout, is
// returned as ErrDeliveryFailed; in logged-fallback mode it is logged and swallowed.
func (d *Delivery) Deliver(ctx context.Context, msg Message) error {
	s, ok := d.senders[msg.Channel]
	if !ok {
		return d.fail(msg, ErrDeliveryUnavailable)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := s.Send(sendCtx, msg); err != nil {
		return d.fail(msg, ErrDeliveryFailed.WithCause(err))
	}
	d.logger.Debugw("message delivered", "purpose", msg.Purpose, "channel", msg.Channel, "user_id", msg.UserID)
	return nil
}

func (d *Delivery) fail(msg Message, err *apperr.Error) error {
	if d.mode == DeliveryLoggedFallback {
		d.logger.Warnw("delivery failed; logged fallback in effect",
			"purpose", msg.Purpose,
			"channel", msg.Channel,
			"user_id", msg.UserID,
			"to", msg.To,
			"code", msg.Code,
			"body", msg.Body,
			"err", err,
		)
		return nil
	}
	d.logger.Errorw("delivery failed", "purpose", msg.Purpose, "channel", msg.Channel, "user_id", msg.UserID, "err", err)
	return err
}

// LogSender writes messages to the log instead of sending them. Useful as
// an explicit transport in development.
type LogSender struct{ Logger *zap.SugaredLogger }

func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger == nil {
		return fmt.Errorf("log sender: no logger")
	}
	s.Logger.Infow("outbound message", "purpose", msg.Purpose, "channel", msg.Channel, "to", msg.To, "code", msg.Code, "body", msg.Body)
	return nil
}
