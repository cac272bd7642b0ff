// Package vault reads database credentials and the backup encryption
// password from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

var (
	ErrClientInit     = errors.New("vault client initialization failed")
	ErrSecretNotFound = errors.New("vault secret not found")
	ErrInvalidSecret  = errors.New("vault secret has unexpected shape")
)

type Option func(*settings)

type settings struct {
	address  string
	token    string
	roleID   string
	roleName string
}

// Client wraps the Vault API client with the reads drbackup needs.
type Client struct {
	api *vault.Client
}

// DynamicCredentials are the short-lived credentials issued for a database
// role.
type DynamicCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TTL      time.Duration
}

// EncryptionSecret is the KV secret holding the backup encryption password.
type EncryptionSecret struct {
	Password string `mapstructure:"password"`
}

// WithAddress overrides VAULT_ADDR.
func WithAddress(address string) Option {
	return func(s *settings) {
		if address != "" {
			s.address = address
		}
	}
}

// WithToken overrides VAULT_TOKEN.
func WithToken(token string) Option {
	return func(s *settings) {
		if token != "" {
			s.token = token
		}
	}
}

// WithAppRole logs in through AppRole instead of using a static token.
func WithAppRole(roleID, roleName string) Option {
	return func(s *settings) {
		s.roleID, s.roleName = roleID, roleName
	}
}

// NewClient connects to Vault. VAULT_ADDR and VAULT_TOKEN are the defaults;
// when both AppRole fields are set the token comes from an AppRole login.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	s := settings{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(&s)
	}

	apiCfg := vault.DefaultConfig()
	if s.address != "" {
		apiCfg.Address = s.address
	}
	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
	}
	if s.token != "" {
		api.SetToken(s.token)
	}

	c := &Client{api: api}
	if s.roleID != "" && s.roleName != "" {
		token, err := c.approleToken(ctx, s.roleID, s.roleName)
		if err != nil {
			return nil, fmt.Errorf("%w: approle %s: %w", ErrClientInit, s.roleName, err)
		}
		api.SetToken(token)
	}
	return c, nil
}

// approleToken issues a fresh secret id for roleName and exchanges it,
// with roleID, for a client token.
func (c *Client) approleToken(ctx context.Context, roleID, roleName string) (string, error) {
	issued, err := c.write(ctx, fmt.Sprintf(approleSecretIDPath, roleName), nil)
	if err != nil {
		return "", fmt.Errorf("issue secret id: %w", err)
	}
	secretID, _ := issued.Data["secret_id"].(string)
	if secretID == "" {
		return "", fmt.Errorf("%w: no secret_id issued", ErrInvalidSecret)
	}

	login, err := c.write(ctx, approleLoginPath, map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if login.Auth == nil || login.Auth.ClientToken == "" {
		return "", fmt.Errorf("%w: login returned no token", ErrInvalidSecret)
	}
	return login.Auth.ClientToken, nil
}

func (c *Client) write(ctx context.Context, path string, data map[string]any) (*vault.Secret, error) {
	secret, err := c.api.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: empty response from %s", ErrSecretNotFound, path)
	}
	return secret, nil
}

func (c *Client) read(ctx context.Context, path string) (*vault.Secret, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	return secret, nil
}

// GetDynamicCredentials reads a database secrets engine role. The TTL is
// the lease Vault granted.
func (c *Client) GetDynamicCredentials(ctx context.Context, role string) (DynamicCredentials, error) {
	secret, err := c.read(ctx, role)
	if err != nil {
		return DynamicCredentials{}, err
	}
	var creds DynamicCredentials
	if err := mapstructure.Decode(secret.Data, &creds); err != nil {
		return DynamicCredentials{}, fmt.Errorf("%w: %s: %w", ErrInvalidSecret, role, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return DynamicCredentials{}, fmt.Errorf("%w: %s lacks username or password", ErrInvalidSecret, role)
	}
	creds.TTL = time.Duration(secret.LeaseDuration) * time.Second
	return creds, nil
}

// ReadSecret decodes the KV secret at path into out. KV v2 responses,
// which nest the fields under "data", are unwrapped.
func (c *Client) ReadSecret(ctx context.Context, path string, out any) error {
	secret, err := c.read(ctx, path)
	if err != nil {
		return err
	}
	return DecodeSecret(secret.Data, out)
}

// DecodeSecret maps raw secret data onto out.
func DecodeSecret(data map[string]any, out any) error {
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}
	if err := mapstructure.Decode(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSecret, err)
	}
	return nil
}

// EncryptionPassword reads the backup encryption password stored at path.
func (c *Client) EncryptionPassword(ctx context.Context, path string) (string, error) {
	var s EncryptionSecret
	if err := c.ReadSecret(ctx, path, &s); err != nil {
		return "", err
	}
	if s.Password == "" {
		return "", fmt.Errorf("%w: %s has no password field", ErrSecretNotFound, path)
	}
	return s.Password, nil
}
