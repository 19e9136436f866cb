// Package secrets reads organization secrets (registry password, user SSH keys) from vault
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/dockerfile"
)

// ErrVaultNotConfigured is returned by reads on a provider without a vault client
var ErrVaultNotConfigured = errors.New("Vault was not configured")

// Provider reads secrets of an organization
type Provider interface {
	ReadRegistryPassword(ctx context.Context) (string, error)
	ReadUserSSHKey(ctx context.Context, userID string) (string, error)
}

// VaultConfig configures a VaultProvider
type VaultConfig struct {
	Endpoint      string
	TokenFilePath string
	OrgID         string
}

type logicalReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// VaultProvider reads secrets from the kv store of a vault server
type VaultProvider struct {
	orgID   string
	logical logicalReader
}

// NewVaultProvider creates a provider. If no token file is configured, or it can't be read,
// the provider is returned nonetheless and all reads fail with ErrVaultNotConfigured.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	res := &VaultProvider{orgID: cfg.OrgID}
	if cfg.TokenFilePath == "" {
		return res, nil
	}

	token, err := os.ReadFile(cfg.TokenFilePath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.TokenFilePath).Warn("token file not found")
		return res, nil
	}

	vcfg := vault.DefaultConfig()
	if cfg.Endpoint != "" {
		vcfg.Address = cfg.Endpoint
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, xerrors.Errorf("cannot create vault client: %w", err)
	}
	client.SetToken(strings.TrimSpace(string(token)))
	res.logical = client.Logical()

	return res, nil
}

// ReadRegistryPassword reads the password of the organization's image registry
func (p *VaultProvider) ReadRegistryPassword(ctx context.Context) (string, error) {
	return p.read(ctx, fmt.Sprintf("secret/organization/%s/registry/password", p.orgID))
}

// ReadUserSSHKey reads the private SSH key a user registered with the organization
func (p *VaultProvider) ReadUserSSHKey(ctx context.Context, userID string) (string, error) {
	return p.read(ctx, fmt.Sprintf("secret/organization/%s/ssh-keys/%s", p.orgID, userID))
}

func (p *VaultProvider) read(ctx context.Context, path string) (string, error) {
	if p.logical == nil {
		return "", ErrVaultNotConfigured
	}

	secret, err := p.logical.ReadWithContext(ctx, path)
	if err != nil {
		return "", xerrors.Errorf("cannot read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", xerrors.Errorf("secret %s does not exist", path)
	}
	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", xerrors.Errorf("secret %s has no value", path)
	}
	return value, nil
}

// SSHKeyBuildArgs reads the SSH keys of all users and returns them as build args
// which match the ARG instructions added by dockerfile.InjectSSHKeys.
func SSHKeyBuildArgs(ctx context.Context, p Provider, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range userIDs {
		i, id := i, id
		eg.Go(func() error {
			key, err := p.ReadUserSSHKey(ctx, id)
			if err != nil {
				return xerrors.Errorf("cannot read SSH key of user %s: %w", id, err)
			}
			keys[i] = strings.ReplaceAll(key, "\n", `\n`)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := make(map[string]string, len(userIDs))
	for i, id := range userIDs {
		res[dockerfile.SSHKeyBuildArg(id)] = keys[i]
	}
	return res, nil
}
