package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// DynamoDBStorage implements CacheStore using AWS DynamoDB.
// Snapshots live in <table>_snapshots keyed by target, one item per target,
// so a PutItem replaces the whole snapshot at once. Processed records live in
// <table>_processed keyed by (target, item_id).
type DynamoDBStorage struct {
	client         *dynamodb.DynamoDB
	snapshotTable  string
	processedTable string
}

type dynamoSnapshot struct {
	Target    string        `dynamodbav:"target"`
	Items     []models.Item `dynamodbav:"items"`
	UpdatedAt int64         `dynamodbav:"updated_at"`
}

type dynamoProcessed struct {
	Target      string `dynamodbav:"target"`
	ItemID      string `dynamodbav:"item_id"`
	URL         string `dynamodbav:"url"`
	Kind        string `dynamodbav:"kind"`
	ProcessedAt int64  `dynamodbav:"processed_at"`
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	storage := &DynamoDBStorage{
		client:         dynamodb.New(sess),
		snapshotTable:  cfg.TableName + "_snapshots",
		processedTable: cfg.TableName + "_processed",
	}

	if err := storage.ensureTable(storage.snapshotTable, false); err != nil {
		return nil, fmt.Errorf("failed to ensure snapshot table exists: %w", err)
	}
	if err := storage.ensureTable(storage.processedTable, true); err != nil {
		return nil, fmt.Errorf("failed to ensure processed table exists: %w", err)
	}

	return storage, nil
}

// ensureTable creates a DynamoDB table if it doesn't exist.
// withRange adds item_id as the sort key.
func (d *DynamoDBStorage) ensureTable(name string, withRange bool) error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil // Table already exists
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("target"), KeyType: aws.String("HASH")},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("target"), AttributeType: aws.String("S")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}
	if withRange {
		input.KeySchema = append(input.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String("item_id"), KeyType: aws.String("RANGE"),
		})
		input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String("item_id"), AttributeType: aws.String("S"),
		})
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

func (d *DynamoDBStorage) getSnapshot(ctx context.Context, target string) (*dynamoSnapshot, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.snapshotTable),
		Key: map[string]*dynamodb.AttributeValue{
			"target": {S: aws.String(target)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", target, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var snap dynamoSnapshot
	if err := dynamodbattribute.UnmarshalMap(result.Item, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (d *DynamoDBStorage) ReadSnapshot(ctx context.Context, target string) ([]models.Item, error) {
	snap, err := d.getSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Items == nil {
		return []models.Item{}, nil
	}
	return snap.Items, nil
}

func (d *DynamoDBStorage) WriteSnapshot(ctx context.Context, target string, items []models.Item) error {
	item, err := dynamodbattribute.MarshalMap(dynamoSnapshot{
		Target:    target,
		Items:     copyItems(items),
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", target, err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.snapshotTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot for %s: %w", target, err)
	}
	return nil
}

func (d *DynamoDBStorage) processedKey(target, itemID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"target":  {S: aws.String(target)},
		"item_id": {S: aws.String(itemID)},
	}
}

func (d *DynamoDBStorage) IsMarked(ctx context.Context, target, itemID string) (bool, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.processedTable),
		Key:                  d.processedKey(target, itemID),
		ProjectionExpression: aws.String("item_id"),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get processed item %s: %w", itemID, err)
	}
	return result.Item != nil, nil
}

func (d *DynamoDBStorage) Mark(ctx context.Context, rec models.ProcessedRecord) error {
	item, err := dynamodbattribute.MarshalMap(dynamoProcessed{
		Target:      rec.Target,
		ItemID:      rec.ItemID,
		URL:         rec.URL,
		Kind:        string(rec.Kind),
		ProcessedAt: rec.ProcessedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal processed item %s: %w", rec.ItemID, err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.processedTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(item_id)"),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return nil // already processed
		}
		return fmt.Errorf("failed to store processed item %s: %w", rec.ItemID, err)
	}
	return nil
}

// queryProcessedKeys returns the keys of all processed records for target
func (d *DynamoDBStorage) queryProcessedKeys(ctx context.Context, target string) ([]map[string]*dynamodb.AttributeValue, error) {
	var keys []map[string]*dynamodb.AttributeValue
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.processedTable),
		KeyConditionExpression: aws.String("#t = :t"),
		ExpressionAttributeNames: map[string]*string{
			"#t": aws.String("target"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":t": {S: aws.String(target)},
		},
		ProjectionExpression: aws.String("#t, item_id"),
	}

	err := d.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		keys = append(keys, page.Items...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query processed items for %s: %w", target, err)
	}
	return keys, nil
}

func (d *DynamoDBStorage) deleteProcessed(ctx context.Context, keys []map[string]*dynamodb.AttributeValue) (int64, error) {
	var removed int64
	for _, key := range keys {
		_, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.processedTable),
			Key: map[string]*dynamodb.AttributeValue{
				"target":  key["target"],
				"item_id": key["item_id"],
			},
		})
		if err != nil {
			return removed, fmt.Errorf("failed to delete processed item: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (d *DynamoDBStorage) Clear(ctx context.Context, target string) error {
	_, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.snapshotTable),
		Key: map[string]*dynamodb.AttributeValue{
			"target": {S: aws.String(target)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", target, err)
	}

	keys, err := d.queryProcessedKeys(ctx, target)
	if err != nil {
		return err
	}
	_, err = d.deleteProcessed(ctx, keys)
	return err
}

func (d *DynamoDBStorage) DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var keys []map[string]*dynamodb.AttributeValue
	input := &dynamodb.ScanInput{
		TableName:        aws.String(d.processedTable),
		FilterExpression: aws.String("processed_at < :cutoff"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":cutoff": {N: aws.String(strconv.FormatInt(cutoff.Unix(), 10))},
		},
		ProjectionExpression: aws.String("#t, item_id"),
		ExpressionAttributeNames: map[string]*string{
			"#t": aws.String("target"),
		},
	}

	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		keys = append(keys, page.Items...)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired processed items: %w", err)
	}

	return d.deleteProcessed(ctx, keys)
}

func (d *DynamoDBStorage) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	stats := &models.CacheStats{Target: target}

	snap, err := d.getSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		stats.SnapshotSize = len(snap.Items)
		stats.PendingCount = countPending(snap.Items)
		stats.UpdatedAt = time.Unix(snap.UpdatedAt, 0).UTC()
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.processedTable),
		KeyConditionExpression: aws.String("#t = :t"),
		ExpressionAttributeNames: map[string]*string{
			"#t": aws.String("target"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":t": {S: aws.String(target)},
		},
		Select: aws.String(dynamodb.SelectCount),
	}
	err = d.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		stats.ProcessedCount += aws.Int64Value(page.Count)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count processed items: %w", err)
	}

	return stats, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
