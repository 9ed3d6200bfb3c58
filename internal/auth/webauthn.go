package auth

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnManager wraps the relying-party side of WebAuthn ceremonies.
// Challenge session data is serialized for the challenge store; the stored
// credential blob is the library's own representation so counter and flag
// semantics survive round trips.
type WebAuthnManager struct {
	wa *webauthn.WebAuthn
}

func NewWebAuthnManager(cfg config.WebAuthnConfig) (*WebAuthnManager, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}

	return &WebAuthnManager{wa: wa}, nil
}

// webauthnUser adapts our user and their registered methods to the library's
// User interface.
type webauthnUser struct {
	user        *models.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string                       { return u.user.Email }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.user.Name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *webauthnUser) WebAuthnIcon() string                       { return "" }

// credentialsFromMethods decodes stored WebAuthn methods into library
// credentials, skipping non-WebAuthn variants.
func credentialsFromMethods(methods []*models.MFAMethod) ([]webauthn.Credential, error) {
	creds := make([]webauthn.Credential, 0, len(methods))
	for _, m := range methods {
		if m.Kind != models.MFAKindWebAuthn {
			continue
		}
		var cred webauthn.Credential
		if err := json.Unmarshal(m.PublicKey, &cred); err != nil {
			return nil, fmt.Errorf("failed to decode stored credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// EncodeCredential serializes a library credential for storage.
func EncodeCredential(cred *webauthn.Credential) ([]byte, error) {
	blob, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	return blob, nil
}

// BeginRegistration opens a registration ceremony. Returns the options to
// send to the browser and the session data to stash in the challenge store.
func (wm *WebAuthnManager) BeginRegistration(user *models.User, existing []*models.MFAMethod) (*protocol.CredentialCreation, []byte, error) {
	creds, err := credentialsFromMethods(existing)
	if err != nil {
		return nil, nil, err
	}

	options, session, err := wm.wa.BeginRegistration(&webauthnUser{user: user, credentials: creds})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode session data: %w", err)
	}

	return options, sessionJSON, nil
}

// FinishRegistration validates the browser's attestation response against
// the stored session data and returns the new credential.
func (wm *WebAuthnManager) FinishRegistration(user *models.User, sessionJSON []byte, response io.Reader) (*webauthn.Credential, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(sessionJSON, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		return nil, models.ErrInvalidProof
	}

	cred, err := wm.wa.CreateCredential(&webauthnUser{user: user}, session, parsed)
	if err != nil {
		return nil, models.ErrInvalidProof
	}

	return cred, nil
}

// BeginAssertion opens an authentication ceremony over the user's registered
// credentials.
func (wm *WebAuthnManager) BeginAssertion(user *models.User, methods []*models.MFAMethod) (*protocol.CredentialAssertion, []byte, error) {
	creds, err := credentialsFromMethods(methods)
	if err != nil {
		return nil, nil, err
	}
	if len(creds) == 0 {
		return nil, nil, models.ErrNoSuchMethod
	}

	options, session, err := wm.wa.BeginLogin(&webauthnUser{user: user, credentials: creds})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin assertion: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode session data: %w", err)
	}

	return options, sessionJSON, nil
}

// FinishAssertion validates an assertion response. A valid signature over a
// non-increasing authenticator counter is reported as ErrCloneDetected; the
// caller must treat that as a hard failure, not a retry.
func (wm *WebAuthnManager) FinishAssertion(user *models.User, methods []*models.MFAMethod, sessionJSON []byte, response io.Reader) (*webauthn.Credential, error) {
	creds, err := credentialsFromMethods(methods)
	if err != nil {
		return nil, err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(sessionJSON, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		return nil, models.ErrInvalidProof
	}

	cred, err := wm.wa.ValidateLogin(&webauthnUser{user: user, credentials: creds}, session, parsed)
	if err != nil {
		return nil, models.ErrInvalidProof
	}

	if cred.Authenticator.CloneWarning {
		return nil, models.ErrCloneDetected
	}

	return cred, nil
}
