package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Table name suffixes. The full name is "<environment>.<suffix>".
const (
	usersTable        = "accounts.users"
	groupsTable       = "accounts.groups"
	groupMembersTable = "accounts.group-members"
	settingsTable     = "cluster-settings"

	// LockTable is the distributed lock table suffix, exported for the
	// lock client which shares the environment-prefixed naming scheme.
	LockTable = "ad-sync.distributed-lock"
)

// batchWriteLimit is the DynamoDB BatchWriteItem request cap.
const batchWriteLimit = 25

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client reads and writes the account store tables.
type Client struct {
	ddb DynamoDBAPI
	env string
	log *slog.Logger
}

// NewClient builds a store client for one environment's tables.
func NewClient(ddb DynamoDBAPI, environmentName string, logger *slog.Logger) *Client {
	return &Client{ddb: ddb, env: environmentName, log: logger}
}

// TableName returns the environment-prefixed physical table name.
func (c *Client) TableName(suffix string) string {
	return fmt.Sprintf("%s.%s", c.env, suffix)
}

func (c *Client) scanAll(ctx context.Context, tableName string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", tableName, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return items, nil
}

// ListUsers returns every user owned by one identity source.
func (c *Client) ListUsers(ctx context.Context, identitySource string) ([]User, error) {
	items, err := c.scanAll(ctx, c.TableName(usersTable))
	if err != nil {
		return nil, err
	}

	var users []User
	for _, item := range items {
		var user User
		if err := attributevalue.UnmarshalMap(item, &user); err != nil {
			return nil, fmt.Errorf("decode user record: %w", err)
		}
		if identitySource == "" || user.IdentitySource == identitySource {
			users = append(users, user)
		}
	}
	return users, nil
}

// GetUser fetches one user by username, returning nil when absent.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.TableName(usersTable)),
		Key: map[string]types.AttributeValue{
			"username": &types.AttributeValueMemberS{Value: username},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var user User
	if err := attributevalue.UnmarshalMap(out.Item, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", username, err)
	}
	return &user, nil
}

// PutUser creates or overwrites a user record.
func (c *Client) PutUser(ctx context.Context, user User) error {
	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", user.Username, err)
	}
	if _, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.TableName(usersTable)),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put user %s: %w", user.Username, err)
	}
	return nil
}

// DeleteUser removes a user record and its membership edges.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	user, err := c.GetUser(ctx, username)
	if err != nil {
		return err
	}

	if _, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.TableName(usersTable)),
		Key: map[string]types.AttributeValue{
			"username": &types.AttributeValueMemberS{Value: username},
		},
	}); err != nil {
		return fmt.Errorf("delete user %s: %w", username, err)
	}

	if user != nil {
		var edges []Edge
		for _, group := range user.AdditionalGroups {
			edges = append(edges, Edge{GroupName: group, Username: username})
		}
		if err := c.DeleteGroupMembers(ctx, edges); err != nil {
			return err
		}
	}
	return nil
}

// ListGroups returns every group owned by one identity source.
func (c *Client) ListGroups(ctx context.Context, identitySource string) ([]Group, error) {
	items, err := c.scanAll(ctx, c.TableName(groupsTable))
	if err != nil {
		return nil, err
	}

	var groups []Group
	for _, item := range items {
		var group Group
		if err := attributevalue.UnmarshalMap(item, &group); err != nil {
			return nil, fmt.Errorf("decode group record: %w", err)
		}
		if identitySource == "" || group.IdentitySource == identitySource {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// PutGroup creates or overwrites a group record.
func (c *Client) PutGroup(ctx context.Context, group Group) error {
	item, err := attributevalue.MarshalMap(group)
	if err != nil {
		return fmt.Errorf("encode group %s: %w", group.Name, err)
	}
	if _, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.TableName(groupsTable)),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put group %s: %w", group.Name, err)
	}
	return nil
}

// DeleteGroup force-removes a group record and its membership edges,
// regardless of remaining members.
func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	members, err := c.ListGroupMembers(ctx, name)
	if err != nil {
		return err
	}

	if _, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.TableName(groupsTable)),
		Key: map[string]types.AttributeValue{
			"group_name": &types.AttributeValueMemberS{Value: name},
		},
	}); err != nil {
		return fmt.Errorf("delete group %s: %w", name, err)
	}

	var edges []Edge
	for _, member := range members {
		edges = append(edges, Edge{GroupName: member.GroupName, Username: member.Username})
	}
	return c.DeleteGroupMembers(ctx, edges)
}

// ListGroupMembers queries the membership edges of one group.
func (c *Client) ListGroupMembers(ctx context.Context, groupName string) ([]GroupMember, error) {
	tableName := c.TableName(groupMembersTable)

	var members []GroupMember
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(tableName),
			KeyConditionExpression: aws.String("group_name = :g"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":g": &types.AttributeValueMemberS{Value: groupName},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query members of %s: %w", groupName, err)
		}
		for _, item := range out.Items {
			var member GroupMember
			if err := attributevalue.UnmarshalMap(item, &member); err != nil {
				return nil, fmt.Errorf("decode member record: %w", err)
			}
			members = append(members, member)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return members, nil
}

// ListMemberships scans every membership edge owned by one identity source.
func (c *Client) ListMemberships(ctx context.Context, identitySource string) ([]GroupMember, error) {
	items, err := c.scanAll(ctx, c.TableName(groupMembersTable))
	if err != nil {
		return nil, err
	}

	var members []GroupMember
	for _, item := range items {
		var member GroupMember
		if err := attributevalue.UnmarshalMap(item, &member); err != nil {
			return nil, fmt.Errorf("decode member record: %w", err)
		}
		if identitySource == "" || member.IdentitySource == identitySource {
			members = append(members, member)
		}
	}
	return members, nil
}

// PutGroupMembers batch-writes membership edges.
func (c *Client) PutGroupMembers(ctx context.Context, identitySource string, edges []Edge) error {
	requests := make([]types.WriteRequest, 0, len(edges))
	for _, edge := range edges {
		item, err := attributevalue.MarshalMap(GroupMember{
			GroupName:      edge.GroupName,
			Username:       edge.Username,
			IdentitySource: identitySource,
		})
		if err != nil {
			return fmt.Errorf("encode member %s/%s: %w", edge.GroupName, edge.Username, err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return c.batchWrite(ctx, c.TableName(groupMembersTable), requests)
}

// DeleteGroupMembers batch-deletes membership edges.
func (c *Client) DeleteGroupMembers(ctx context.Context, edges []Edge) error {
	requests := make([]types.WriteRequest, 0, len(edges))
	for _, edge := range edges {
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				"group_name": &types.AttributeValueMemberS{Value: edge.GroupName},
				"username":   &types.AttributeValueMemberS{Value: edge.Username},
			},
		}})
	}
	return c.batchWrite(ctx, c.TableName(groupMembersTable), requests)
}

func (c *Client) batchWrite(ctx context.Context, tableName string, requests []types.WriteRequest) error {
	for len(requests) > 0 {
		chunk := requests
		if len(chunk) > batchWriteLimit {
			chunk = chunk[:batchWriteLimit]
		}
		requests = requests[len(chunk):]

		out, err := c.ddb.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{tableName: chunk},
		})
		if err != nil {
			return fmt.Errorf("batch write %s: %w", tableName, err)
		}
		// Unprocessed items are retried in the next round.
		if unprocessed := out.UnprocessedItems[tableName]; len(unprocessed) > 0 {
			requests = append(requests, unprocessed...)
		}
	}
	return nil
}
