package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/finsync/finsync/internal/crypto"
)

// ErrSecretNotFound is returned when the configured secret does not exist
var ErrSecretNotFound = errors.New("master key secret not found")

// secretsAPI is the subset of the Secrets Manager client used here
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// SecretsManagerClient wraps AWS Secrets Manager operations
type SecretsManagerClient struct {
	client     secretsAPI
	secretName string
}

// NewSecretsManagerClient creates a new Secrets Manager client
func NewSecretsManagerClient(ctx context.Context, secretName, region string) (*SecretsManagerClient, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SecretsManagerClient{
		client:     secretsmanager.NewFromConfig(cfg),
		secretName: secretName,
	}, nil
}

// GetMasterKey reads the encoded master key from Secrets Manager. The value is
// returned still encoded so it goes through the same validation as ENC_KEY.
func (smc *SecretsManagerClient) GetMasterKey(ctx context.Context) (string, error) {
	result, err := smc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(smc.secretName),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, smc.secretName)
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", smc.secretName)
	}
	return *result.SecretString, nil
}

// CreateMasterKey stores an encoded master key as a new secret
func (smc *SecretsManagerClient) CreateMasterKey(ctx context.Context, raw []byte) error {
	if len(raw) != crypto.MasterKeySize {
		return crypto.ErrInvalidMasterKey
	}

	_, err := smc.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(smc.secretName),
		SecretString: aws.String(crypto.EncodeMasterKey(raw)),
		Description:  aws.String("finsync ENC_KEY for the local token vault"),
	})
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	// Check error code as fallback
	var coded interface{ ErrorCode() string }
	return errors.As(err, &coded) && coded.ErrorCode() == "ResourceNotFoundException"
}
