package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"verdict-relay/relay/internal/identity"
)

func whoamiServer(t *testing.T, handler http.HandlerFunc) *identity.WhoAmIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return identity.NewWhoAmIClient(srv.URL+"/whoami", "access", time.Second)
}

func TestWhoAmINumericID(t *testing.T) {
	c := whoamiServer(t, func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("access")
		if err != nil || cookie.Value != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":42,"username":"alice"}`))
	})

	id, err := c.WhoAmI(context.Background(), "good")
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if id != "42" {
		t.Errorf("id = %q, want 42", id)
	}
}

func TestWhoAmIStringID(t *testing.T) {
	c := whoamiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"u-7"}`))
	})
	id, err := c.WhoAmI(context.Background(), "tok")
	if err != nil || id != "u-7" {
		t.Fatalf("WhoAmI = (%q, %v)", id, err)
	}
}

func TestWhoAmIRejected(t *testing.T) {
	c := whoamiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := c.WhoAmI(context.Background(), "bad"); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestWhoAmIMissingCredential(t *testing.T) {
	called := false
	c := whoamiServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	if _, err := c.WhoAmI(context.Background(), ""); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if called {
		t.Error("identity service should not be called without a credential")
	}
}

func TestWhoAmIServerError(t *testing.T) {
	c := whoamiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.WhoAmI(context.Background(), "tok"); !errors.Is(err, identity.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestWhoAmIUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := identity.NewWhoAmIClient(url, "access", time.Second)
	if _, err := c.WhoAmI(context.Background(), "tok"); !errors.Is(err, identity.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestJWTVerifier(t *testing.T) {
	v := identity.NewJWTVerifier("secret")

	token, err := identity.IssueToken("secret", "42", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	id, err := v.WhoAmI(context.Background(), token)
	if err != nil || id != "42" {
		t.Fatalf("WhoAmI = (%q, %v)", id, err)
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	v := identity.NewJWTVerifier("secret")

	expired, _ := identity.IssueToken("secret", "42", -time.Minute)
	wrongKey, _ := identity.IssueToken("other", "42", time.Hour)

	for name, tok := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"garbage":   "not-a-jwt",
		"empty":     "",
	} {
		if _, err := v.WhoAmI(context.Background(), tok); !errors.Is(err, identity.ErrUnauthenticated) {
			t.Errorf("%s: err = %v, want ErrUnauthenticated", name, err)
		}
	}
}
