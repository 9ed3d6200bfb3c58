package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
)

// Verifier is the factor polymorphism: one contract per ceremony, one
// implementation per kind. MFAService picks the implementation from the
// requested kind and never branches on it again below this point.
type Verifier interface {
	Kind() string
	BeginEnroll(ctx context.Context, user *models.User, name string) (*EnrollChallenge, error)
	ConfirmEnroll(ctx context.Context, user *models.User, proof []byte, name string) error
	BeginAssert(ctx context.Context, user *models.User) (*AssertChallenge, error)
	Verify(ctx context.Context, user *models.User, proof []byte, meta models.DeviceMeta) error
}

type totpVerifier struct {
	methods          MFAMethodRepository
	totp             *auth.TOTPManager
	pendingEnrollTTL time.Duration
}

func (v *totpVerifier) Kind() string { return models.MFAKindTOTP }

func (v *totpVerifier) BeginEnroll(ctx context.Context, user *models.User, name string) (*EnrollChallenge, error) {
	enrollment, err := v.totp.GenerateEnrollment(user.Email)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = "Authenticator app"
	}

	method, err := v.methods.Create(ctx, &models.MFAMethod{
		UserID:              user.ID,
		Kind:                models.MFAKindTOTP,
		Name:                name,
		TOTPSecretEncrypted: enrollment.EncryptedSecret,
		TOTPSecretNonce:     enrollment.Nonce,
	})
	if err != nil {
		return nil, err
	}

	// The plaintext secret is shown exactly once, here. Only the encrypted
	// copy survives.
	return &EnrollChallenge{
		Kind:            models.MFAKindTOTP,
		MethodID:        method.ID,
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCode:          enrollment.QRCodeDataURL,
	}, nil
}

func (v *totpVerifier) ConfirmEnroll(ctx context.Context, user *models.User, proof []byte, _ string) error {
	method, err := v.methods.GetTOTP(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNoSuchMethod
		}
		return err
	}
	if method.Active() {
		return models.ErrConflict
	}
	if time.Since(method.CreatedAt) > v.pendingEnrollTTL {
		_ = v.methods.Delete(ctx, method.ID)
		return models.ErrChallengeExpired
	}

	if err := v.verifyCode(ctx, method, string(bytes.TrimSpace(proof))); err != nil {
		return err
	}

	return v.methods.Activate(ctx, method.ID)
}

// BeginAssert is a no-op for TOTP; the authenticator app is its own
// challenge source.
func (v *totpVerifier) BeginAssert(context.Context, *models.User) (*AssertChallenge, error) {
	return &AssertChallenge{Kind: models.MFAKindTOTP}, nil
}

func (v *totpVerifier) Verify(ctx context.Context, user *models.User, proof []byte, _ models.DeviceMeta) error {
	method, err := v.methods.GetTOTP(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNoSuchMethod
		}
		return err
	}
	if !method.Active() {
		return models.ErrNoSuchMethod
	}

	return v.verifyCode(ctx, method, string(bytes.TrimSpace(proof)))
}

// verifyCode matches the code against the decrypted secret, then consumes
// the matched time step atomically. A valid code whose step was already
// consumed is a replay.
func (v *totpVerifier) verifyCode(ctx context.Context, method *models.MFAMethod, code string) error {
	secret, err := v.totp.DecryptSecret(method.TOTPSecretEncrypted, method.TOTPSecretNonce)
	if err != nil {
		return err
	}

	step, ok := v.totp.MatchCode(string(secret), code, time.Now())
	if !ok {
		return models.ErrInvalidProof
	}

	consumed, err := v.methods.ConsumeTOTPStep(ctx, method.ID, step)
	if err != nil {
		return err
	}
	if !consumed {
		return models.ErrCodeReplayed
	}

	return nil
}

// webauthnRelyingParty is the slice of WebAuthnManager the verifier
// consumes. Implemented by auth.WebAuthnManager.
type webauthnRelyingParty interface {
	BeginRegistration(user *models.User, existing []*models.MFAMethod) (*protocol.CredentialCreation, []byte, error)
	FinishRegistration(user *models.User, sessionData []byte, response io.Reader) (*webauthn.Credential, error)
	BeginAssertion(user *models.User, methods []*models.MFAMethod) (*protocol.CredentialAssertion, []byte, error)
	FinishAssertion(user *models.User, methods []*models.MFAMethod, sessionData []byte, response io.Reader) (*webauthn.Credential, error)
}

type webauthnVerifier struct {
	methods      MFAMethodRepository
	challenges   MFAChallengeRepository
	rp           webauthnRelyingParty
	challengeTTL time.Duration

	// onClone reports a cloned-authenticator signal; the service owns the
	// audit escalation.
	onClone func(ctx context.Context, user *models.User, credentialID []byte, meta models.DeviceMeta)
}

func (v *webauthnVerifier) Kind() string { return models.MFAKindWebAuthn }

func (v *webauthnVerifier) BeginEnroll(ctx context.Context, user *models.User, _ string) (*EnrollChallenge, error) {
	existing, err := v.methods.ListActiveByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	options, sessionData, err := v.rp.BeginRegistration(user, existing)
	if err != nil {
		return nil, err
	}

	if _, err := v.challenges.Create(ctx, &models.MFAChallenge{
		UserID:    user.ID,
		Kind:      models.MFAKindWebAuthn,
		Purpose:   "enroll",
		Data:      sessionData,
		ExpiresAt: time.Now().Add(v.challengeTTL),
	}); err != nil {
		return nil, err
	}

	return &EnrollChallenge{
		Kind:            models.MFAKindWebAuthn,
		CreationOptions: options,
	}, nil
}

func (v *webauthnVerifier) ConfirmEnroll(ctx context.Context, user *models.User, proof []byte, name string) error {
	challenge, err := v.consumeChallenge(ctx, user.ID, "enroll")
	if err != nil {
		return err
	}

	cred, err := v.rp.FinishRegistration(user, challenge.Data, bytes.NewReader(proof))
	if err != nil {
		return err
	}

	blob, err := auth.EncodeCredential(cred)
	if err != nil {
		return err
	}

	if name == "" {
		name = "Security key"
	}

	now := time.Now()
	_, err = v.methods.Create(ctx, &models.MFAMethod{
		UserID:       user.ID,
		Kind:         models.MFAKindWebAuthn,
		Name:         name,
		CredentialID: cred.ID,
		PublicKey:    blob,
		SignCount:    cred.Authenticator.SignCount,
		VerifiedAt:   &now,
	})
	return err
}

func (v *webauthnVerifier) BeginAssert(ctx context.Context, user *models.User) (*AssertChallenge, error) {
	methods, err := v.activeMethods(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, models.ErrNoSuchMethod
	}

	options, sessionData, err := v.rp.BeginAssertion(user, methods)
	if err != nil {
		return nil, err
	}

	if _, err := v.challenges.Create(ctx, &models.MFAChallenge{
		UserID:    user.ID,
		Kind:      models.MFAKindWebAuthn,
		Purpose:   "assert",
		Data:      sessionData,
		ExpiresAt: time.Now().Add(v.challengeTTL),
	}); err != nil {
		return nil, err
	}

	return &AssertChallenge{
		Kind:             models.MFAKindWebAuthn,
		AssertionOptions: options,
	}, nil
}

func (v *webauthnVerifier) Verify(ctx context.Context, user *models.User, proof []byte, meta models.DeviceMeta) error {
	methods, err := v.activeMethods(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		return models.ErrNoSuchMethod
	}

	challenge, err := v.consumeChallenge(ctx, user.ID, "assert")
	if err != nil {
		return err
	}

	cred, err := v.rp.FinishAssertion(user, methods, challenge.Data, bytes.NewReader(proof))
	if err != nil {
		if errors.Is(err, models.ErrCloneDetected) {
			v.onClone(ctx, user, nil, meta)
		}
		return err
	}

	method, err := v.methods.GetByCredentialID(ctx, cred.ID)
	if err != nil {
		return err
	}

	advanced, err := v.methods.AdvanceSignCount(ctx, method.ID, cred.Authenticator.SignCount)
	if err != nil {
		return err
	}
	if !advanced && cred.Authenticator.SignCount > 0 {
		// Counter regression that the library's clone warning did not
		// catch, typically a concurrent assertion from a cloned device.
		v.onClone(ctx, user, cred.ID, meta)
		return models.ErrCloneDetected
	}

	return nil
}

// consumeChallenge atomically claims the live challenge, then maps a miss to
// expiry or mismatch depending on whether one recently lapsed.
func (v *webauthnVerifier) consumeChallenge(ctx context.Context, userID, purpose string) (*models.MFAChallenge, error) {
	challenge, err := v.challenges.Consume(ctx, userID, models.MFAKindWebAuthn, purpose)
	if err == nil {
		return challenge, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	expired, checkErr := v.challenges.HadRecentExpired(ctx, userID, models.MFAKindWebAuthn, purpose)
	if checkErr == nil && expired {
		return nil, models.ErrChallengeExpired
	}
	return nil, models.ErrChallengeMismatch
}

func (v *webauthnVerifier) activeMethods(ctx context.Context, userID string) ([]*models.MFAMethod, error) {
	all, err := v.methods.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	filtered := make([]*models.MFAMethod, 0, len(all))
	for _, m := range all {
		if m.Kind == models.MFAKindWebAuthn {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
