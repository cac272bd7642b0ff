package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDecodeSecret(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"kv v1", map[string]any{"password": "p1"}, "p1"},
		{"kv v2", map[string]any{"data": map[string]any{"password": "p2"}, "metadata": map[string]any{}}, "p2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s EncryptionSecret
			if err := DecodeSecret(tt.data, &s); err != nil {
				t.Fatal(err)
			}
			if s.Password != tt.want {
				t.Errorf("Password = %q, want %q", s.Password, tt.want)
			}
		})
	}
}

func TestClientAgainstServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/database/creds/backup", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lease_duration":3600,"data":{"username":"v-backup","password":"pw"}}`))
	})
	mux.HandleFunc("/v1/secret/data/drbackup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"password":"enc-pass"},"metadata":{"version":1}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c, err := NewClient(ctx, WithAddress(srv.URL), WithToken("root"))
	if err != nil {
		t.Fatal(err)
	}

	creds, err := c.GetDynamicCredentials(ctx, "database/creds/backup")
	if err != nil {
		t.Fatalf("GetDynamicCredentials: %v", err)
	}
	if creds.Username != "v-backup" || creds.Password != "pw" || creds.TTL.Hours() != 1 {
		t.Errorf("creds = %+v", creds)
	}

	pw, err := c.EncryptionPassword(ctx, "secret/data/drbackup")
	if err != nil || pw != "enc-pass" {
		t.Errorf("EncryptionPassword = %q, %v", pw, err)
	}

	if _, err := c.GetDynamicCredentials(ctx, "database/creds/missing"); err == nil {
		t.Error("missing role returned no error")
	}
	if err := c.ReadSecret(ctx, "secret/data/missing", &EncryptionSecret{}); err == nil {
		t.Error("missing secret returned no error")
	}
}

func TestAppRoleLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/approle/role/drbackup/secret-id", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"secret_id":"sid-1"}}`))
	})
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"approle-token"}}`))
	})
	mux.HandleFunc("/v1/database/creds/backup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("X-Vault-Token") != "approle-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"username":"v-backup"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c, err := NewClient(ctx, WithAddress(srv.URL), WithAppRole("role-1", "drbackup"))
	if err != nil {
		t.Fatal(err)
	}
	// The login token is used; the role lacks a password.
	if _, err := c.GetDynamicCredentials(ctx, "database/creds/backup"); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("err = %v, want ErrInvalidSecret", err)
	}

	if _, err := NewClient(ctx, WithAddress(srv.URL), WithAppRole("role-1", "unknown")); !errors.Is(err, ErrClientInit) {
		t.Errorf("unknown role err = %v", err)
	}
}
