package supabase

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"

	"github.com/google/uuid"
)

// ============================================================
// UserStore implementation: profiles via PostgREST
// ============================================================

const profileSelect = "select=id,phone,role,suspended,created_at"

type profileRow struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *profileRow) toDomain() *domain.User {
	return &domain.User{
		ID:        r.ID,
		Phone:     r.Phone,
		Role:      domain.Role(r.Role),
		Suspended: r.Suspended,
		CreatedAt: r.CreatedAt,
	}
}

// GetOrCreateUserByPhone looks the profile up and inserts a customer when
// absent. Wallet provisioning is done by the on_profile_created trigger.
func (c *Client) GetOrCreateUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetOrCreateUserByPhone")
	defer span.End()

	user, err := c.getProfile(ctx, eq("phone", phone))
	if err != nil || user != nil {
		return user, err
	}

	err = c.write("supabase/profiles", func() error {
		_, err := c.doRequest(ctx, http.MethodPost, "profiles?on_conflict=phone", map[string]any{
			"id":    uuid.NewString(),
			"phone": phone,
			"role":  string(domain.RoleCustomer),
		}, "resolution=ignore-duplicates,"+preferMinimal)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Re-read so a concurrent first login resolves to the same row.
	user, err = c.getProfile(ctx, eq("phone", phone))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &domain.ErrExternalService{Service: "supabase/profiles", Err: fmt.Errorf("profile for new phone not readable after insert")}
	}
	return user, nil
}

func (c *Client) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUserByID")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return c.getProfile(ctx, eq("id", id))
}

// SuspendUser calls the admin_suspend_user RPC.
func (c *Client) SuspendUser(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Supabase.SuspendUser")
	defer span.End()

	return c.write("supabase/profiles", func() error {
		_, err := c.doRequest(ctx, http.MethodPost, "rpc/admin_suspend_user", map[string]any{"p_user_id": id}, "")
		return err
	})
}

func (c *Client) getProfile(ctx context.Context, filter string) (*domain.User, error) {
	var user *domain.User
	err := c.read(ctx, "supabase/profiles", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("profiles?%s&%s&limit=1", profileSelect, filter), nil, "")
		if err != nil {
			return err
		}
		row, err := firstRow[profileRow](body, "profiles")
		if row != nil {
			user = row.toDomain()
		}
		return err
	})
	return user, err
}
