package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrRemoteNotFound is returned when no token blob has been pushed yet
var ErrRemoteNotFound = errors.New("token vault not found in DynamoDB")

// ErrVersionConflict is returned when the remote blob changed since it was read
var ErrVersionConflict = errors.New("version conflict: remote token vault has been updated, run 'finsync sync pull' first")

// dynamoAPI is the subset of the DynamoDB client used here
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBStorage mirrors the encrypted token file to DynamoDB. Only the
// ciphertext ever leaves the machine.
type DynamoDBStorage struct {
	client    dynamoAPI
	tableName string
	userID    string
}

// DynamoDBItem represents the item structure in DynamoDB
type DynamoDBItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Blob       string `dynamodbav:"blob"` // base64 of the token file
	Version    int64  `dynamodbav:"version"`
	ModifiedAt string `dynamodbav:"modified_at"`
	DeviceID   string `dynamodbav:"device_id"`
}

// RemoteBlob is a decoded DynamoDB item
type RemoteBlob struct {
	Data       []byte
	Version    int64
	ModifiedAt time.Time
	DeviceID   string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(ctx context.Context, region, tableName, userID string) (*DynamoDBStorage, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newDynamoDBStorage(dynamodb.NewFromConfig(cfg), tableName, userID), nil
}

func newDynamoDBStorage(client dynamoAPI, tableName, userID string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
		userID:    userID,
	}
}

// GetDeviceID returns a unique device identifier
func GetDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func (ds *DynamoDBStorage) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", ds.userID)},
		"SK": &types.AttributeValueMemberS{Value: "TOKENS"},
	}
}

// Push writes data as the next version. expectedVersion is the version last
// read from the remote, or 0 if there was none.
func (ds *DynamoDBStorage) Push(ctx context.Context, data []byte, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	item := DynamoDBItem{
		PK:         fmt.Sprintf("USER#%s", ds.userID),
		SK:         "TOKENS",
		Blob:       base64.StdEncoding.EncodeToString(data),
		Version:    next,
		ModifiedAt: time.Now().UTC().Format(time.RFC3339),
		DeviceID:   GetDeviceID(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal item: %w", err)
	}

	// Conditional write to prevent overwriting newer versions
	conditionExpr := "attribute_not_exists(version) OR version = :expectedVersion"
	exprAttrValues := map[string]types.AttributeValue{
		":expectedVersion": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
	}

	_, err = ds.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(ds.tableName),
		Item:                      av,
		ConditionExpression:       aws.String(conditionExpr),
		ExpressionAttributeValues: exprAttrValues,
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to save token vault: %w", err)
	}

	return next, nil
}

// Pull loads the encrypted token blob from DynamoDB
func (ds *DynamoDBStorage) Pull(ctx context.Context) (*RemoteBlob, error) {
	result, err := ds.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(ds.tableName),
		Key:            ds.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get token vault from DynamoDB: %w", err)
	}

	if result.Item == nil {
		return nil, ErrRemoteNotFound
	}

	var item DynamoDBItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(item.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote blob: %w", err)
	}

	modified, _ := time.Parse(time.RFC3339, item.ModifiedAt)
	return &RemoteBlob{
		Data:       data,
		Version:    item.Version,
		ModifiedAt: modified,
		DeviceID:   item.DeviceID,
	}, nil
}

// RemoteVersion returns the current remote version, or 0 if nothing was pushed.
func (ds *DynamoDBStorage) RemoteVersion(ctx context.Context) (int64, error) {
	remote, err := ds.Pull(ctx)
	if errors.Is(err, ErrRemoteNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return remote.Version, nil
}

// CheckVersion fails with ErrVersionConflict when the remote has moved past
// expectedVersion, before anything is uploaded.
func (ds *DynamoDBStorage) CheckVersion(ctx context.Context, expectedVersion int64) error {
	current, err := ds.RemoteVersion(ctx)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return fmt.Errorf("%w (remote version %d, last synced version %d)", ErrVersionConflict, current, expectedVersion)
	}
	return nil
}
