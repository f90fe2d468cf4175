// Package locks provides a lease-based distributed lock over a DynamoDB
// table with conditional writes. Leases carry a TTL expiry so a crashed
// holder's lock is reclaimed without manual intervention.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	// DefaultLeaseDuration bounds how long a crashed holder can wedge the
	// lock before the expiry allows reclaim.
	DefaultLeaseDuration = 5 * time.Minute
	// DefaultRetryDelay is the wait between acquisition attempts.
	DefaultRetryDelay = 2 * time.Second

	// sortToken is the fixed range key: one lease record per lock name.
	sortToken = "lease"
)

// ErrNotAcquired is returned when the context expires before the lease
// could be taken.
var ErrNotAcquired = errors.New("lock not acquired")

// DynamoDBAPI is the subset of the DynamoDB client the lock uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client acquires leases in one lock table.
type Client struct {
	ddb        DynamoDBAPI
	tableName  string
	lease      time.Duration
	retryDelay time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewClient builds a lock client for a fully qualified table name.
func NewClient(ddb DynamoDBAPI, tableName string, logger *slog.Logger) *Client {
	return &Client{
		ddb:        ddb,
		tableName:  tableName,
		lease:      DefaultLeaseDuration,
		retryDelay: DefaultRetryDelay,
		log:        logger,
		now:        time.Now,
	}
}

// Lease is one held lock. Release it when the guarded section ends.
type Lease struct {
	client   *Client
	lockName string
	holder   string
}

// Acquire blocks, retrying with a fixed delay, until the lease record is
// created or ctx expires. An existing lease whose expiry has passed is
// overwritten: the previous holder is presumed dead.
func (c *Client) Acquire(ctx context.Context, lockName string) (*Lease, error) {
	holder := uuid.NewString()

	for {
		now := c.now()
		expiry := now.Add(c.lease).Unix()

		_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				"lock_key":    &types.AttributeValueMemberS{Value: lockName},
				"sort_key":    &types.AttributeValueMemberS{Value: sortToken},
				"holder":      &types.AttributeValueMemberS{Value: holder},
				"expiry_time": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiry, 10)},
			},
			ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expiry_time < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			c.log.Debug("lock acquired", "lock", lockName, "holder", holder)
			return &Lease{client: c, lockName: lockName, holder: holder}, nil
		}

		var conditionFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &conditionFailed) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockName, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, lockName, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
}

// Release deletes the lease record. Releasing a lease that expired and was
// taken over by another holder is a no-op, not an error.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.client.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.client.tableName),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: l.lockName},
			"sort_key": &types.AttributeValueMemberS{Value: sortToken},
		},
		ConditionExpression: aws.String("holder = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: l.holder},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			l.client.log.Debug("lease already expired or taken over", "lock", l.lockName)
			return nil
		}
		return fmt.Errorf("release lock %s: %w", l.lockName, err)
	}
	return nil
}
