package supabase

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// OTPStore implementation: otp_codes via PostgREST
// ============================================================

const otpSelect = "select=id,phone,otp_hash,created_at,expires_at,attempts,is_used"

// IssueOTP reads the phone's recent codes from the primary and inserts the
// new one. PostgREST offers no cross-request lock, so two requests racing
// within the same instant can both pass the gates; the Postgres backend
// closes that gap with an advisory lock.
func (c *Client) IssueOTP(ctx context.Context, phone string, since time.Time, issue port.IssueFunc) (*domain.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.IssueOTP")
	defer span.End()

	var recent []domain.OTPRecord
	err := c.read(ctx, "supabase/otp", func() error {
		path := fmt.Sprintf("otp_codes?%s&%s&created_at=gte.%s&order=created_at.desc",
			otpSelect, eq("phone", phone), ts(since))
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		recent, err = decodeRows[domain.OTPRecord](body, "otp_codes")
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("otp.recent", len(recent)))

	rec, err := issue(recent)
	if err != nil || rec == nil {
		return nil, err
	}
	rec.ID = uuid.NewString()

	err = c.write("supabase/otp", func() error {
		_, err := c.doRequest(ctx, http.MethodPost, "otp_codes", map[string]any{
			"id":         rec.ID,
			"phone":      rec.Phone,
			"otp_hash":   rec.OTPHash,
			"created_at": rec.CreatedAt.UTC(),
			"expires_at": rec.ExpiresAt.UTC(),
		}, preferMinimal)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Client) GetLatestActiveOTP(ctx context.Context, phone string, now time.Time) (*domain.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetLatestActiveOTP")
	defer span.End()

	var rec *domain.OTPRecord
	err := c.read(ctx, "supabase/otp", func() error {
		path := fmt.Sprintf("otp_codes?%s&%s&is_used=eq.false&expires_at=gt.%s&order=created_at.desc&limit=1",
			otpSelect, eq("phone", phone), ts(now))
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		rec, err = firstRow[domain.OTPRecord](body, "otp_codes")
		return err
	})
	return rec, err
}

// IncrementOTPAttempts calls the otp_increment_attempts RPC, which does the
// increment server-side and returns the new count.
func (c *Client) IncrementOTPAttempts(ctx context.Context, id string) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.IncrementOTPAttempts")
	defer span.End()

	var attempts int
	err := c.write("supabase/otp", func() error {
		body, err := c.doRequest(ctx, http.MethodPost, "rpc/otp_increment_attempts", map[string]any{"p_id": id}, "")
		if err != nil {
			return err
		}
		if body == nil || string(body) == "null" {
			return &domain.ErrNotFound{Resource: "otp", ID: id}
		}
		attempts, err = strconv.Atoi(string(body))
		return err
	})
	return attempts, err
}

// MarkOTPUsed flips is_used with a filter on is_used=false, so only one
// caller can consume a code.
func (c *Client) MarkOTPUsed(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.MarkOTPUsed")
	defer span.End()

	var consumed bool
	err := c.write("supabase/otp", func() error {
		path := fmt.Sprintf("otp_codes?%s&is_used=eq.false&select=id", eq("id", id))
		body, err := c.doRequest(ctx, http.MethodPatch, path, map[string]any{"is_used": true}, preferRepresentation)
		if err != nil {
			return err
		}
		rows, err := decodeRows[struct {
			ID string `json:"id"`
		}](body, "otp_codes")
		consumed = len(rows) == 1
		return err
	})
	return consumed, err
}
