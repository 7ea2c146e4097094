package service

import (
	"context"
	"encoding/json"
	"fmt"

	"app/internal/config"
	"app/internal/repository"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// PharmacyCredentials are the agent-side secrets for one pharmacy: which
// database the agent should query and the LLM gateway key to bill against.
type PharmacyCredentials struct {
	DBID              string `json:"db_id"`
	LiteLLMVirtualKey string `json:"litellm_virtual_key"`
}

// SecretSource resolves pharmacy credentials by pharmacy code.
type SecretSource interface {
	GetPharmacyCredentials(ctx context.Context, codePS string) (*PharmacyCredentials, error)
}

type dbSecretSource struct {
	repo repository.ProfileRepository
}

// NewDBSecretSource reads pharmacy credentials from the pharmacy_secrets table.
func NewDBSecretSource(repo repository.ProfileRepository) SecretSource {
	return &dbSecretSource{repo: repo}
}

func (s *dbSecretSource) GetPharmacyCredentials(ctx context.Context, codePS string) (*PharmacyCredentials, error) {
	secret, err := s.repo.GetPharmacySecret(ctx, codePS)
	if err != nil {
		return nil, err
	}
	return &PharmacyCredentials{
		DBID:              secret.DBID,
		LiteLLMVirtualKey: secret.LiteLLMVirtualKey,
	}, nil
}

type gcpSecretSource struct {
	client    *secretmanager.Client
	projectID string
}

// NewGCPSecretSource reads pharmacy credentials from Google Secret Manager.
// Each pharmacy has one secret named pharmacy-<code>-credentials whose latest
// version holds a JSON PharmacyCredentials payload.
func NewGCPSecretSource(ctx context.Context, cfg *config.Config) (SecretSource, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &gcpSecretSource{
		client:    client,
		projectID: cfg.GCPProjectID,
	}, nil
}

func (s *gcpSecretSource) GetPharmacyCredentials(ctx context.Context, codePS string) (*PharmacyCredentials, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/pharmacy-%s-credentials/versions/latest", s.projectID, codePS)

	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret version: %w", err)
	}

	var creds PharmacyCredentials
	if err := json.Unmarshal(result.Payload.Data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode pharmacy credentials: %w", err)
	}
	return &creds, nil
}
