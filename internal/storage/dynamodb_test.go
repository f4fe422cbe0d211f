package storage

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps a single item and honours the version condition used by Push.
type fakeDynamo struct {
	item map[string]types.AttributeValue
	puts int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.item != nil {
		current := f.item["version"].(*types.AttributeValueMemberN).Value
		expected := in.ExpressionAttributeValues[":expectedVersion"].(*types.AttributeValueMemberN).Value
		if current != expected {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.item = in.Item
	f.puts++
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoPullNotFound(t *testing.T) {
	ds := newDynamoDBStorage(&fakeDynamo{}, "finsync_tokens", "default")

	_, err := ds.Pull(context.Background())
	require.ErrorIs(t, err, ErrRemoteNotFound)

	version, err := ds.RemoteVersion(context.Background())
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestDynamoPushPull(t *testing.T) {
	fake := &fakeDynamo{}
	ds := newDynamoDBStorage(fake, "finsync_tokens", "default")
	ctx := context.Background()

	version, err := ds.Push(ctx, []byte{0, 0, 0, 16, 1, 2, 3}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	remote, err := ds.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 16, 1, 2, 3}, remote.Data)
	require.Equal(t, int64(1), remote.Version)
	require.NotEmpty(t, remote.DeviceID)
	require.False(t, remote.ModifiedAt.IsZero())

	require.Equal(t, "USER#default", fake.item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "TOKENS", fake.item["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoPushVersionConflict(t *testing.T) {
	fake := &fakeDynamo{}
	ds := newDynamoDBStorage(fake, "finsync_tokens", "default")
	ctx := context.Background()

	_, err := ds.Push(ctx, []byte("v1"), 0)
	require.NoError(t, err)
	_, err = ds.Push(ctx, []byte("v2"), 1)
	require.NoError(t, err)

	// A writer that last saw version 1 must not overwrite version 2.
	_, err = ds.Push(ctx, []byte("stale"), 1)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, 2, fake.puts)

	remote, err := ds.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), remote.Data)
}

func TestDynamoCheckVersion(t *testing.T) {
	fake := &fakeDynamo{}
	ds := newDynamoDBStorage(fake, "finsync_tokens", "default")
	ctx := context.Background()

	require.NoError(t, ds.CheckVersion(ctx, 0))

	_, err := ds.Push(ctx, []byte("v1"), 0)
	require.NoError(t, err)

	require.NoError(t, ds.CheckVersion(ctx, 1))
	err = ds.CheckVersion(ctx, 0)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Contains(t, err.Error(), "remote version 1")
	require.Equal(t, 1, fake.puts)
}
