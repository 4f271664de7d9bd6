package authkit_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/signalpost/authkit"
)

func TestPasskeyRegisterInitShape(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	options, err := env.engine.PasskeyRegisterInit(ctx, testEmail, "Ada")
	if err != nil {
		t.Fatalf("PasskeyRegisterInit: %v", err)
	}

	resp := options.Response
	if len(resp.Challenge) == 0 {
		t.Fatal("missing challenge")
	}
	if resp.RelyingParty.ID != "localhost" {
		t.Fatalf("rp id = %q, want localhost", resp.RelyingParty.ID)
	}
	if resp.AuthenticatorSelection.UserVerification != protocol.VerificationRequired {
		t.Fatalf("user verification = %q, want required", resp.AuthenticatorSelection.UserVerification)
	}
	if resp.AuthenticatorSelection.ResidentKey != protocol.ResidentKeyRequirementRequired {
		t.Fatalf("resident key = %q, want required", resp.AuthenticatorSelection.ResidentKey)
	}
}

func TestPasskeyRegisterInitValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.PasskeyRegisterInit(ctx, "not-an-email", "Ada"); !errors.Is(err, authkit.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}

	env.registerVerified(t)
	if _, err := env.engine.PasskeyRegisterInit(ctx, testEmail, "Ada"); !errors.Is(err, authkit.ErrUserExists) {
		t.Fatalf("got %v, want ErrUserExists", err)
	}
}

func TestPasskeyVerifyRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.PasskeyRegisterVerify(ctx, strings.NewReader("not json")); !errors.Is(err, authkit.ErrPasskeyVerification) {
		t.Fatalf("register verify: got %v, want ErrPasskeyVerification", err)
	}
	if _, err := env.engine.PasskeyAuthenticateVerify(ctx, strings.NewReader(`{"id":""}`)); !errors.Is(err, authkit.ErrPasskeyVerification) {
		t.Fatalf("authenticate verify: got %v, want ErrPasskeyVerification", err)
	}
}

func TestPasskeyAuthenticateInitDiscoverable(t *testing.T) {
	env := newTestEnv(t, nil)

	options, err := env.engine.PasskeyAuthenticateInit(context.Background())
	if err != nil {
		t.Fatalf("PasskeyAuthenticateInit: %v", err)
	}
	if len(options.Response.Challenge) == 0 {
		t.Fatal("missing challenge")
	}
	// Discoverable sign-in names no credentials up front.
	if len(options.Response.AllowedCredentials) != 0 {
		t.Fatalf("expected no allowed credentials, got %d", len(options.Response.AllowedCredentials))
	}
}

func TestPasskeyOwnershipGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := env.registerVerified(t)

	if _, err := env.engine.PasskeyList(ctx, "intruder", user.ID); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("list: got %v, want ErrForbidden", err)
	}
	if _, err := env.engine.PasskeyAddInit(ctx, "intruder", user.ID); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("add init: got %v, want ErrForbidden", err)
	}
	if _, err := env.engine.PasskeyRemoveInit(ctx, "intruder", user.ID, []byte("cred")); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("remove init: got %v, want ErrForbidden", err)
	}
	if err := env.engine.PasskeyRemoveVerify(ctx, "intruder", user.ID, strings.NewReader("{}")); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("remove verify: got %v, want ErrForbidden", err)
	}
}

func TestPasskeyAddInitForPasswordAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := env.registerVerified(t)

	list, err := env.engine.PasskeyList(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("PasskeyList: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("fresh account lists %d passkeys", len(list))
	}

	options, err := env.engine.PasskeyAddInit(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("PasskeyAddInit: %v", err)
	}
	if len(options.Response.CredentialExcludeList) != 0 {
		t.Fatalf("expected no exclusions, got %d", len(options.Response.CredentialExcludeList))
	}
	if options.Response.User.Name != user.Email {
		t.Fatalf("ceremony user = %q, want %q", options.Response.User.Name, user.Email)
	}
}

func TestPasskeyRemoveInitUnknownCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := env.registerVerified(t)
	if _, err := env.engine.PasskeyRemoveInit(ctx, user.ID, user.ID, []byte("no-such-cred")); !errors.Is(err, authkit.ErrPasskeyNotFound) {
		t.Fatalf("got %v, want ErrPasskeyNotFound", err)
	}
}
