// Package sms dispatches OTP text messages through Twilio, or to the log in
// development.
package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/sony/gobreaker"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sms")

// messageCreator is the slice of the Twilio API the sender needs.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioConfig holds the account credentials and the sender identity. One of
// From or MessagingServiceSID must be set.
type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	From                string
	MessagingServiceSID string
}

// TwilioSender sends SMS through the Twilio Messages API.
type TwilioSender struct {
	api      messageCreator
	cfg      TwilioConfig
	cb       *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	logger   *zap.Logger
}

var _ port.SMSSender = (*TwilioSender)(nil)

// NewTwilioSender creates a TwilioSender. maxConcurrency bounds in-flight
// provider calls.
func NewTwilioSender(cfg TwilioConfig, maxConcurrency int, logger *zap.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSender(client.Api, cfg, maxConcurrency, logger)
}

func newTwilioSender(api messageCreator, cfg TwilioConfig, maxConcurrency int, logger *zap.Logger) *TwilioSender {
	return &TwilioSender{
		api:      api,
		cfg:      cfg,
		cb:       resilience.NewCircuitBreaker("twilio"),
		bulkhead: resilience.NewBulkhead(maxConcurrency),
		logger:   logger,
	}
}

// Send delivers message to the number to (country code included, no "+").
// The Twilio SDK takes no context, so the call runs in a goroutine and Send
// returns when ctx is done even if the request is still in flight.
func (s *TwilioSender) Send(ctx context.Context, to, message string) (*port.SMSResult, error) {
	ctx, span := tracer.Start(ctx, "Twilio.Send")
	defer span.End()

	if err := s.bulkhead.Acquire(ctx); err != nil {
		return &port.SMSResult{Error: "sms bulkhead full"}, fmt.Errorf("twilio: %w", err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + strings.TrimPrefix(to, "+"))
	params.SetBody(message)
	if s.cfg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(s.cfg.MessagingServiceSID)
	} else {
		params.SetFrom(s.cfg.From)
	}

	type outcome struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer s.bulkhead.Release()
		res, err := s.cb.Execute(func() (any, error) {
			return s.api.CreateMessage(params)
		})
		msg, _ := res.(*twilioApi.ApiV2010Message)
		done <- outcome{msg: msg, err: err}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		s.logger.Warn("twilio: send timed out", observability.Phone(to))
		return &port.SMSResult{Error: "timeout waiting for provider"}, ctx.Err()
	case out = <-done:
	}

	if out.err != nil {
		result := &port.SMSResult{Error: describe(out.err)}
		if resilience.IsOpen(out.err) {
			result.Error = "sms provider circuit open"
		}
		return result, out.err
	}

	result := &port.SMSResult{Success: true}
	if out.msg != nil {
		if out.msg.Sid != nil {
			result.MessageID = *out.msg.Sid
		}
		if out.msg.ErrorCode != nil {
			result.Success = false
			result.Error = fmt.Sprintf("twilio error %d", *out.msg.ErrorCode)
			if out.msg.ErrorMessage != nil {
				result.Error += ": " + *out.msg.ErrorMessage
			}
		}
	}
	span.SetAttributes(attribute.String("sms.message_id", result.MessageID), attribute.Bool("sms.success", result.Success))
	return result, nil
}

// describe renders the provider's own error payload when there is one.
func describe(err error) string {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return fmt.Sprintf("status %d code %d: %s", restErr.Status, restErr.Code, restErr.Message)
	}
	return err.Error()
}
