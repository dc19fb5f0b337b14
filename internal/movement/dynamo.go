package movement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

var _ store.MovementStore = (*DynamoStore)(nil)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore keeps credit movement edges in a DynamoDB table keyed by
// order_id, one item per settled order.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, table string) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("movement table name cannot be empty")
	}
	return &DynamoStore{client: client, table: table}, nil
}

type ddbEdge struct {
	OrderId    string `dynamodbav:"order_id"`
	FromNode   string `dynamodbav:"from_node"`
	ToNode     string `dynamodbav:"to_node"`
	Credits    int64  `dynamodbav:"credits"`
	RecordedAt string `dynamodbav:"recorded_at"`
}

// RecordTransfer writes the edge once. An item already present for the order
// counts as recorded.
func (d *DynamoStore) RecordTransfer(ctx context.Context, edge models.TransferEdge) error {
	if edge.RecordedAt.IsZero() {
		edge.RecordedAt = time.Now()
	}
	item, err := attributevalue.MarshalMap(ddbEdge{
		OrderId:    strconv.FormatInt(edge.OrderId, 10),
		FromNode:   edge.FromNode,
		ToNode:     edge.ToNode,
		Credits:    edge.Credits,
		RecordedAt: edge.RecordedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal edge: %v", store.ErrMalformed, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           sdkaws.String(d.table),
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return classify(err, "dynamodb PutItem failed")
	}
	return nil
}

func (d *DynamoStore) GetTransfer(ctx context.Context, orderId int64) (*models.TransferEdge, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"order_id": strconv.FormatInt(orderId, 10)})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      sdkaws.String(d.table),
		Key:            key,
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, classify(err, "dynamodb GetItem failed")
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: transfer for order %d", store.ErrNotFound, orderId)
	}

	var item ddbEdge
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("%w: unmarshal edge: %v", store.ErrMalformed, err)
	}
	return item.toModel(orderId)
}

// toModel validates a decoded item before it leaves the adapter.
func (e ddbEdge) toModel(orderId int64) (*models.TransferEdge, error) {
	id, err := strconv.ParseInt(e.OrderId, 10, 64)
	if err != nil || id != orderId {
		return nil, fmt.Errorf("%w: edge order id %q does not match %d", store.ErrMalformed, e.OrderId, orderId)
	}
	if e.FromNode == "" || e.ToNode == "" || e.Credits <= 0 {
		return nil, fmt.Errorf("%w: incomplete edge for order %d", store.ErrMalformed, orderId)
	}
	recordedAt, err := time.Parse(time.RFC3339Nano, e.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: edge recorded_at %q: %v", store.ErrMalformed, e.RecordedAt, err)
	}
	return &models.TransferEdge{
		OrderId:    id,
		FromNode:   e.FromNode,
		ToNode:     e.ToNode,
		Credits:    e.Credits,
		RecordedAt: recordedAt,
	}, nil
}

// classify marks request validation errors as permanent and everything else
// as retriable.
func classify(err error, msg string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return fmt.Errorf("%w: %s: %v", store.ErrMalformed, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, msg, err)
}
