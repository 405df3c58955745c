package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"catalog-assist/internal/domain"
)

const (
	skPrefixProduct = "PRODUCT#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client stores conversation tokens in a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ Store = (*Client)(nil)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a browser session.
func convPK(sessionID string) string {
	return "CONV#" + sessionID
}

func productSK(productID string) string {
	return skPrefixProduct + productID
}

func (c *Client) key(sessionID, productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: productSK(productID)},
	}
}

// Load returns the stored token. Items past their TTL are treated as absent
// because DynamoDB deletes expired items lazily.
func (c *Client) Load(ctx context.Context, sessionID, productID string) (string, bool, error) {
	if err := validateScope(sessionID, productID); err != nil {
		return "", false, err
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sessionID, productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}

	mem, err := itemToConversation(out.Item)
	if err != nil {
		return "", false, fmt.Errorf("repository: Load decode: %w", err)
	}
	if mem.TTL > 0 && mem.TTL <= c.now().Unix() {
		return "", false, nil
	}
	if mem.ContinuationToken == "" {
		return "", false, nil
	}
	return mem.ContinuationToken, true, nil
}

// Save writes or replaces the token for the pair.
func (c *Client) Save(ctx context.Context, sessionID, productID, token string) error {
	if token == "" {
		return c.Clear(ctx, sessionID, productID)
	}
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      conversationItem(c.newConversation(sessionID, productID, token)),
	})
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func (c *Client) Clear(ctx context.Context, sessionID, productID string) error {
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(sessionID, productID),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

func (c *Client) newConversation(sessionID, productID, token string) domain.ConversationMemory {
	now := c.now().UTC()
	return domain.ConversationMemory{
		SessionID:         sessionID,
		ProductID:         productID,
		ContinuationToken: token,
		UpdatedAt:         now.Format(time.RFC3339),
		TTL:               now.Add(ttlDuration).Unix(),
	}
}

func conversationItem(m domain.ConversationMemory) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: convPK(m.SessionID)},
		"SK":                &types.AttributeValueMemberS{Value: productSK(m.ProductID)},
		"sessionId":         &types.AttributeValueMemberS{Value: m.SessionID},
		"productId":         &types.AttributeValueMemberS{Value: m.ProductID},
		"continuationToken": &types.AttributeValueMemberS{Value: m.ContinuationToken},
		"updatedAt":         &types.AttributeValueMemberS{Value: m.UpdatedAt},
		"ttl":               &types.AttributeValueMemberN{Value: strconv.FormatInt(m.TTL, 10)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.ConversationMemory, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.ConversationMemory{}, err
	}
	productID, err := strAttr(item, "productId")
	if err != nil {
		return domain.ConversationMemory{}, err
	}
	token, err := strAttr(item, "continuationToken")
	if err != nil {
		return domain.ConversationMemory{}, err
	}
	updatedAt, _ := strAttr(item, "updatedAt") // allow empty
	ttl, err := int64Attr(item, "ttl")
	if err != nil && !errors.Is(err, errMissingAttr) {
		return domain.ConversationMemory{}, err
	}

	return domain.ConversationMemory{
		SessionID:         sessionID,
		ProductID:         productID,
		ContinuationToken: token,
		UpdatedAt:         updatedAt,
		TTL:               ttl,
	}, nil
}

var errMissingAttr = errors.New("repository: missing attribute")

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("%w %q", errMissingAttr, key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("%w %q", errMissingAttr, key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
