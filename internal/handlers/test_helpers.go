package handlers

import (
	"context"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// Function-field service mocks for handler tests.

type mockAuthService struct {
	LoginFunc          func(ctx context.Context, email, password string, meta models.DeviceMeta) (*services.LoginResult, error)
	RegisterFunc       func(ctx context.Context, email, password, name string, meta models.DeviceMeta) (*services.LoginResult, error)
	RefreshFunc        func(ctx context.Context, refreshToken string, meta models.DeviceMeta) (*services.LoginResult, error)
	LogoutFunc         func(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error
	LogoutAllFunc      func(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error
	ChangePasswordFunc func(ctx context.Context, claims *models.TokenClaims, currentPassword, newPassword string, meta models.DeviceMeta) error
}

func (m *mockAuthService) Login(ctx context.Context, email, password string, meta models.DeviceMeta) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, email, password, meta)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *mockAuthService) Register(ctx context.Context, email, password, name string, meta models.DeviceMeta) (*services.LoginResult, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, email, password, name, meta)
	}
	return nil, models.ErrInternalServer
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string, meta models.DeviceMeta) (*services.LoginResult, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken, meta)
	}
	return nil, models.ErrUnauthorized
}

func (m *mockAuthService) Logout(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, claims, meta)
	}
	return nil
}

func (m *mockAuthService) LogoutAll(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, claims, meta)
	}
	return nil
}

func (m *mockAuthService) ChangePassword(ctx context.Context, claims *models.TokenClaims, currentPassword, newPassword string, meta models.DeviceMeta) error {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, claims, currentPassword, newPassword, meta)
	}
	return nil
}

type mockMFAService struct {
	BeginEnrollFunc         func(ctx context.Context, userID, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error)
	ConfirmEnrollFunc       func(ctx context.Context, userID, kind string, proof []byte, name string, meta models.DeviceMeta) error
	BeginAssertFunc         func(ctx context.Context, userID, kind string) (*services.AssertChallenge, error)
	BeginLoginAssertFunc    func(ctx context.Context, mfaToken, kind string) (*services.AssertChallenge, error)
	BeginLoginEnrollFunc    func(ctx context.Context, mfaToken, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error)
	CompleteLoginFunc       func(ctx context.Context, mfaToken, kind string, proof []byte, meta models.DeviceMeta) (*services.LoginResult, error)
	CompleteLoginEnrollFunc func(ctx context.Context, mfaToken, kind string, proof []byte, name string, meta models.DeviceMeta) (*services.LoginResult, error)
	ListMethodsFunc         func(ctx context.Context, userID string) ([]*models.MFAMethod, error)
	RemoveMethodFunc        func(ctx context.Context, userID, methodID string, meta models.DeviceMeta) error
}

func (m *mockMFAService) BeginEnroll(ctx context.Context, userID, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error) {
	if m.BeginEnrollFunc != nil {
		return m.BeginEnrollFunc(ctx, userID, kind, name, meta)
	}
	return &services.EnrollChallenge{Kind: kind}, nil
}

func (m *mockMFAService) ConfirmEnroll(ctx context.Context, userID, kind string, proof []byte, name string, meta models.DeviceMeta) error {
	if m.ConfirmEnrollFunc != nil {
		return m.ConfirmEnrollFunc(ctx, userID, kind, proof, name, meta)
	}
	return nil
}

func (m *mockMFAService) BeginAssert(ctx context.Context, userID, kind string) (*services.AssertChallenge, error) {
	if m.BeginAssertFunc != nil {
		return m.BeginAssertFunc(ctx, userID, kind)
	}
	return &services.AssertChallenge{Kind: kind}, nil
}

func (m *mockMFAService) BeginLoginAssert(ctx context.Context, mfaToken, kind string) (*services.AssertChallenge, error) {
	if m.BeginLoginAssertFunc != nil {
		return m.BeginLoginAssertFunc(ctx, mfaToken, kind)
	}
	return &services.AssertChallenge{Kind: kind}, nil
}

func (m *mockMFAService) BeginLoginEnroll(ctx context.Context, mfaToken, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error) {
	if m.BeginLoginEnrollFunc != nil {
		return m.BeginLoginEnrollFunc(ctx, mfaToken, kind, name, meta)
	}
	return &services.EnrollChallenge{Kind: kind}, nil
}

func (m *mockMFAService) CompleteLogin(ctx context.Context, mfaToken, kind string, proof []byte, meta models.DeviceMeta) (*services.LoginResult, error) {
	if m.CompleteLoginFunc != nil {
		return m.CompleteLoginFunc(ctx, mfaToken, kind, proof, meta)
	}
	return nil, models.ErrUnauthorized
}

func (m *mockMFAService) CompleteLoginEnroll(ctx context.Context, mfaToken, kind string, proof []byte, name string, meta models.DeviceMeta) (*services.LoginResult, error) {
	if m.CompleteLoginEnrollFunc != nil {
		return m.CompleteLoginEnrollFunc(ctx, mfaToken, kind, proof, name, meta)
	}
	return nil, models.ErrUnauthorized
}

func (m *mockMFAService) ListMethods(ctx context.Context, userID string) ([]*models.MFAMethod, error) {
	if m.ListMethodsFunc != nil {
		return m.ListMethodsFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockMFAService) RemoveMethod(ctx context.Context, userID, methodID string, meta models.DeviceMeta) error {
	if m.RemoveMethodFunc != nil {
		return m.RemoveMethodFunc(ctx, userID, methodID, meta)
	}
	return nil
}

type mockAuditQueryService struct {
	QueryFunc     func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error)
	ExportFunc    func(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error
	SubscribeFunc func() *services.Subscriber
}

func (m *mockAuditQueryService) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, filter)
	}
	return nil, 0, nil
}

func (m *mockAuditQueryService) Export(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error {
	if m.ExportFunc != nil {
		return m.ExportFunc(ctx, filter, fn)
	}
	return nil
}

func (m *mockAuditQueryService) Subscribe() *services.Subscriber {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc()
	}
	return services.NewBroadcaster(8).Subscribe()
}

func testIPConfig() *pkghttp.IPConfig {
	return &pkghttp.IPConfig{}
}
