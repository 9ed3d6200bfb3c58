package services

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/models"
)

type MFAMethodRepository interface {
	Create(ctx context.Context, m *models.MFAMethod) (*models.MFAMethod, error)
	GetByID(ctx context.Context, id string) (*models.MFAMethod, error)
	GetTOTP(ctx context.Context, userID string) (*models.MFAMethod, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*models.MFAMethod, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (*models.MFAMethod, error)
	Activate(ctx context.Context, id string) error
	ConsumeTOTPStep(ctx context.Context, id string, step int64) (bool, error)
	AdvanceSignCount(ctx context.Context, id string, count uint32) (bool, error)
	Delete(ctx context.Context, id string) error
}

type MFAChallengeRepository interface {
	Create(ctx context.Context, c *models.MFAChallenge) (*models.MFAChallenge, error)
	Consume(ctx context.Context, userID, kind, purpose string) (*models.MFAChallenge, error)
	HadRecentExpired(ctx context.Context, userID, kind, purpose string) (bool, error)
}

// SessionIssuer finishes an MFA flow by opening a session. Implemented by
// AuthService; the indirection keeps the service dependency one-way.
type SessionIssuer interface {
	IssueSession(ctx context.Context, user *models.User, meta models.DeviceMeta) (*LoginResult, error)
}

// EnrollChallenge is what BeginEnroll hands the client. TOTP enrollments
// carry the provisioning material; WebAuthn enrollments carry the creation
// options for the browser API.
type EnrollChallenge struct {
	Kind     string `json:"kind"`
	MethodID string `json:"method_id,omitempty"`

	// TOTP
	Secret          string `json:"secret,omitempty"`
	ProvisioningURI string `json:"provisioning_uri,omitempty"`
	QRCode          string `json:"qr_code,omitempty"`

	// WebAuthn
	CreationOptions *protocol.CredentialCreation `json:"creation_options,omitempty"`
}

// AssertChallenge is what BeginAssert hands the client for WebAuthn; TOTP
// assertions need no server-side challenge.
type AssertChallenge struct {
	Kind             string                        `json:"kind"`
	AssertionOptions *protocol.CredentialAssertion `json:"assertion_options,omitempty"`
}

// MFAService runs the enrollment and verification state machines. The
// factor-specific ceremonies live behind the Verifier implementations;
// this layer dispatches on kind, sequences the flows, and owns the audit
// events. Replay rules live in the repository CAS operations.
type MFAService struct {
	users   UserRepository
	methods MFAMethodRepository
	audit   *AuditService
	tokens  *auth.TokenManager
	issuer  SessionIssuer
	logger  *slog.Logger

	verifiers map[string]Verifier
}

func NewMFAService(
	users UserRepository,
	methods MFAMethodRepository,
	challenges MFAChallengeRepository,
	audit *AuditService,
	totp *auth.TOTPManager,
	webauthn *auth.WebAuthnManager,
	tokens *auth.TokenManager,
	issuer SessionIssuer,
	cfg config.AuthConfig,
	logger *slog.Logger,
) *MFAService {
	s := &MFAService{
		users:   users,
		methods: methods,
		audit:   audit,
		tokens:  tokens,
		issuer:  issuer,
		logger:  logger,
	}
	s.verifiers = map[string]Verifier{
		models.MFAKindTOTP: &totpVerifier{
			methods:          methods,
			totp:             totp,
			pendingEnrollTTL: cfg.PendingEnrollTTL,
		},
		models.MFAKindWebAuthn: &webauthnVerifier{
			methods:      methods,
			challenges:   challenges,
			rp:           webauthn,
			challengeTTL: cfg.ChallengeTTL,
			onClone:      s.containClone,
		},
	}
	return s
}

func (s *MFAService) verifierFor(kind string) (Verifier, error) {
	v, ok := s.verifiers[kind]
	if !ok {
		return nil, models.ErrBadRequest
	}
	return v, nil
}

// BeginEnroll starts enrollment of a new factor. The method stays pending
// and unusable until ConfirmEnroll proves the user controls it.
func (s *MFAService) BeginEnroll(ctx context.Context, userID, kind, name string, meta models.DeviceMeta) (*EnrollChallenge, error) {
	verifier, err := s.verifierFor(kind)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	challenge, err := verifier.BeginEnroll(ctx, user, name)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventMFAEnrollStarted,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"kind": kind},
	}); auditErr != nil {
		return nil, auditErr
	}

	return challenge, nil
}

// ConfirmEnroll activates a pending method once the user proves control of
// it: a current TOTP code, or a WebAuthn attestation response.
func (s *MFAService) ConfirmEnroll(ctx context.Context, userID, kind string, proof []byte, name string, meta models.DeviceMeta) error {
	verifier, err := s.verifierFor(kind)
	if err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := verifier.ConfirmEnroll(ctx, user, proof, name); err != nil {
		s.auditMFAFailure(ctx, user.ID, kind, meta, err)
		return err
	}

	if err := s.syncMFAFlags(ctx, user.ID); err != nil {
		s.logger.Error("failed to sync mfa flags", slog.String("error", err.Error()))
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventMFAEnrolled,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"kind": kind},
	})
}

// BeginAssert prepares factor verification. TOTP needs nothing server-side;
// WebAuthn gets single-use assertion options.
func (s *MFAService) BeginAssert(ctx context.Context, userID, kind string) (*AssertChallenge, error) {
	verifier, err := s.verifierFor(kind)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return verifier.BeginAssert(ctx, user)
}

// Verify checks one proof against an active method. Replayed TOTP codes and
// cloned authenticators are rejected with their own audited escalations.
func (s *MFAService) Verify(ctx context.Context, userID, kind string, proof []byte, meta models.DeviceMeta) error {
	verifier, err := s.verifierFor(kind)
	if err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := verifier.Verify(ctx, user, proof, meta); err != nil {
		s.auditMFAFailure(ctx, user.ID, kind, meta, err)
		return err
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventMFAVerified,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"kind": kind},
	})
}

// containClone audits the clone signal. The event's suffix is what live
// consumers alert on; verification has already failed by the time we get
// here.
func (s *MFAService) containClone(ctx context.Context, user *models.User, credentialID []byte, meta models.DeviceMeta) {
	details := models.AuditDetails{}
	if len(credentialID) > 0 {
		details["credential_id"] = base64.RawURLEncoding.EncodeToString(credentialID)
	}
	if err := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventCloneDetected,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details:   details,
	}); err != nil {
		s.logger.Error("failed to audit clone detection", slog.String("error", err.Error()))
	}
}

// CompleteLogin consumes a step-up token plus a factor proof and, on
// success, issues the session the original login withheld.
func (s *MFAService) CompleteLogin(ctx context.Context, mfaToken, kind string, proof []byte, meta models.DeviceMeta) (*LoginResult, error) {
	claims, err := s.stepUpClaims(mfaToken)
	if err != nil {
		return nil, err
	}

	if err := s.Verify(ctx, claims.UserID, kind, proof, meta); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	result, err := s.issuer.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventLoginSuccess,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details: models.AuditDetails{
			"session_id": result.Session.ID,
			"mfa_kind":   kind,
			"step_up":    claims.StepUp,
		},
	}); auditErr != nil {
		return nil, auditErr
	}

	return result, nil
}

// BeginLoginEnroll starts enrollment inside a step-up flow for users who
// reached MFA with nothing enrolled. The step-up token stands in for a full
// session.
func (s *MFAService) BeginLoginEnroll(ctx context.Context, mfaToken, kind, name string, meta models.DeviceMeta) (*EnrollChallenge, error) {
	claims, err := s.stepUpClaims(mfaToken)
	if err != nil {
		return nil, err
	}
	return s.BeginEnroll(ctx, claims.UserID, kind, name, meta)
}

// CompleteLoginEnroll finishes a mandatory mid-login enrollment. The
// enrollment proof doubles as the verification, so a successful confirm
// issues the withheld session directly.
func (s *MFAService) CompleteLoginEnroll(ctx context.Context, mfaToken, kind string, proof []byte, name string, meta models.DeviceMeta) (*LoginResult, error) {
	claims, err := s.stepUpClaims(mfaToken)
	if err != nil {
		return nil, err
	}

	if err := s.ConfirmEnroll(ctx, claims.UserID, kind, proof, name, meta); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	result, err := s.issuer.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventLoginSuccess,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details: models.AuditDetails{
			"session_id": result.Session.ID,
			"mfa_kind":   kind,
			"enrolled":   true,
		},
	}); auditErr != nil {
		return nil, auditErr
	}

	return result, nil
}

// BeginLoginAssert prepares verification inside a step-up flow.
func (s *MFAService) BeginLoginAssert(ctx context.Context, mfaToken, kind string) (*AssertChallenge, error) {
	claims, err := s.stepUpClaims(mfaToken)
	if err != nil {
		return nil, err
	}
	return s.BeginAssert(ctx, claims.UserID, kind)
}

func (s *MFAService) stepUpClaims(mfaToken string) (*models.TokenClaims, error) {
	claims, err := s.tokens.ValidateToken(mfaToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeMFA {
		return nil, models.ErrUnauthorized
	}
	return claims, nil
}

// ListMethods returns the user's active methods for the settings surface.
func (s *MFAService) ListMethods(ctx context.Context, userID string) ([]*models.MFAMethod, error) {
	return s.methods.ListActiveByUser(ctx, userID)
}

// RemoveMethod deletes a method the user owns and refreshes the enrollment
// flags.
func (s *MFAService) RemoveMethod(ctx context.Context, userID, methodID string, meta models.DeviceMeta) error {
	method, err := s.methods.GetByID(ctx, methodID)
	if err != nil {
		return err
	}
	if method.UserID != userID {
		return models.ErrForbidden
	}

	if err := s.methods.Delete(ctx, methodID); err != nil {
		return err
	}

	if err := s.syncMFAFlags(ctx, userID); err != nil {
		s.logger.Error("failed to sync mfa flags", slog.String("error", err.Error()))
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventMFARemoved,
		UserID:    userUUID(userID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"kind": method.Kind},
	})
}

// syncMFAFlags recomputes the denormalized per-kind flags on the user row.
func (s *MFAService) syncMFAFlags(ctx context.Context, userID string) error {
	methods, err := s.methods.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}

	var totp, webauthn bool
	for _, m := range methods {
		switch m.Kind {
		case models.MFAKindTOTP:
			totp = true
		case models.MFAKindWebAuthn:
			webauthn = true
		}
	}

	return s.users.SetMFAFlags(ctx, userID, totp, webauthn)
}

func (s *MFAService) auditMFAFailure(ctx context.Context, userID, kind string, meta models.DeviceMeta, cause error) {
	if err := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventMFAFailed,
		UserID:    userUUID(userID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details: models.AuditDetails{
			"kind":   kind,
			"reason": cause.Error(),
		},
	}); err != nil {
		s.logger.Error("failed to audit mfa failure", slog.String("error", err.Error()))
	}
}
