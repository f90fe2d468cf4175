package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ServiceAccount is the directory bind identity resolved from Secrets Manager.
type ServiceAccount struct {
	Username string
	Password string
}

// BindDN returns the user-principal bind string for the directory.
func (s ServiceAccount) BindDN(domainName string) string {
	return fmt.Sprintf("%s@%s", s.Username, domainName)
}

// ResolveServiceAccount fetches and decodes the service account secret.
// The secret value is a JSON object with a single username:password pair.
func ResolveServiceAccount(ctx context.Context, api SecretsAPI, secretARN string) (ServiceAccount, error) {
	if secretARN == "" {
		return ServiceAccount{}, fmt.Errorf("service account secret ARN is not configured")
	}

	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("fetch service account secret: %w", err)
	}

	var pairs map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &pairs); err != nil {
		return ServiceAccount{}, fmt.Errorf("decode service account secret: %w", err)
	}
	for username, password := range pairs {
		return ServiceAccount{Username: username, Password: password}, nil
	}

	return ServiceAccount{}, fmt.Errorf("service account secret %s is empty", secretARN)
}

// ResolveSecretString fetches a plain-string secret, such as the TLS
// certificate referenced by the directory settings.
func ResolveSecretString(ctx context.Context, api SecretsAPI, secretARN string) (string, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", secretARN, err)
	}
	return aws.ToString(out.SecretString), nil
}
