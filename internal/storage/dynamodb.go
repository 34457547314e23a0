package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/types"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// LoadDefaultConfig probes the EC2 IMDS endpoint, which hangs on EC2
		// hosts when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoDBStore) put(ctx context.Context, table string, v any, what string) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", what, err)
	}
	return nil
}

func (s *DynamoDBStore) query(ctx context.Context, table string, builder expression.Builder, out any, what string) error {
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	var items []map[string]dbtypes.AttributeValue
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", what, err)
		}
		items = append(items, page.Items...)
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

func (s *DynamoDBStore) SaveCallRecord(ctx context.Context, record types.CallRecord) error {
	return s.put(ctx, s.config.CallRecordsTable, record, "call record")
}

func (s *DynamoDBStore) GetCallRecords(ctx context.Context, dateKey string) ([]types.CallRecord, error) {
	keyCond := expression.Key("DateKey").Equal(expression.Value(dateKey))
	var records []types.CallRecord
	err := s.query(ctx, s.config.CallRecordsTable, expression.NewBuilder().WithKeyCondition(keyCond), &records, "call records")
	return records, err
}

func (s *DynamoDBStore) GetBusinessCallsByDate(ctx context.Context, businessID, date string) ([]types.CallRecord, error) {
	keyCond := expression.Key("DateKey").Equal(expression.Value(date))
	filter := expression.Name("BusinessID").Equal(expression.Value(businessID))
	var records []types.CallRecord
	err := s.query(ctx, s.config.CallRecordsTable,
		expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter), &records, "business calls")
	return records, err
}

func (s *DynamoDBStore) SaveDeliveryFailure(ctx context.Context, f types.DeliveryFailure) error {
	return s.put(ctx, s.config.DeliveryFailuresTable, f, "delivery failure")
}

func (s *DynamoDBStore) GetDeliveryFailures(ctx context.Context, callID string) ([]types.DeliveryFailure, error) {
	keyCond := expression.Key("CallID").Equal(expression.Value(callID))
	var failures []types.DeliveryFailure
	err := s.query(ctx, s.config.DeliveryFailuresTable, expression.NewBuilder().WithKeyCondition(keyCond), &failures, "delivery failures")
	return failures, err
}

// ListDeliveryFailures scans the failures table; it is small and only read by operators.
func (s *DynamoDBStore) ListDeliveryFailures(ctx context.Context, limit int) ([]types.DeliveryFailure, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.config.DeliveryFailuresTable)}
	var failures []types.DeliveryFailure
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() && (limit <= 0 || len(failures) < limit) {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery failures: %w", err)
		}
		var batch []types.DeliveryFailure
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delivery failures: %w", err)
		}
		failures = append(failures, batch...)
	}
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	return failures, nil
}

func (s *DynamoDBStore) DeleteDeliveryFailure(ctx context.Context, callID, eventKey string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.DeliveryFailuresTable),
		Key: map[string]dbtypes.AttributeValue{
			"CallID":   &dbtypes.AttributeValueMemberS{Value: callID},
			"EventKey": &dbtypes.AttributeValueMemberS{Value: eventKey},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete delivery failure: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SaveOutboxEntry(ctx context.Context, e types.OutboxEntry) error {
	return s.put(ctx, s.config.OutboxTable, e, "outbox entry")
}

func (s *DynamoDBStore) DeleteOutboxEntry(ctx context.Context, callID string, seq int64) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.OutboxTable),
		Key: map[string]dbtypes.AttributeValue{
			"CallID": &dbtypes.AttributeValueMemberS{Value: callID},
			"Seq":    &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListOutbox(ctx context.Context) ([]types.OutboxEntry, error) {
	var entries []types.OutboxEntry
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.config.OutboxTable),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox: %w", err)
		}
		var batch []types.OutboxEntry
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox: %w", err)
		}
		entries = append(entries, batch...)
	}
	return entries, nil
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, logger zerolog.Logger) (Store, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none)")
		return NewNoopStore(), nil
	}
}

// TruncateAll deletes all items from every table (scan + batch delete)
func (s *DynamoDBStore) TruncateAll(ctx context.Context) error {
	for _, table := range tableSpecs(s.config) {
		if err := s.truncateTable(ctx, table.name, table.pk, table.sk); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table.name, err)
		}
	}
	return nil
}

func (s *DynamoDBStore) truncateTable(ctx context.Context, tableName, pk, sk string) error {
	var lastKey map[string]dbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:            aws.String(tableName),
			ProjectionExpression: aws.String("#pk, #sk"),
			ExpressionAttributeNames: map[string]string{
				"#pk": pk,
				"#sk": sk,
			},
			Limit: aws.Int32(500),
		}
		if lastKey != nil {
			input.ExclusiveStartKey = lastKey
		}

		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}

		// Batch delete in groups of 25
		for i := 0; i < len(result.Items); i += 25 {
			end := i + 25
			if end > len(result.Items) {
				end = len(result.Items)
			}

			requests := make([]dbtypes.WriteRequest, 0, end-i)
			for _, item := range result.Items[i:end] {
				requests = append(requests, dbtypes.WriteRequest{
					DeleteRequest: &dbtypes.DeleteRequest{
						Key: map[string]dbtypes.AttributeValue{
							pk: item[pk],
							sk: item[sk],
						},
					},
				})
			}

			_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]dbtypes.WriteRequest{
					tableName: requests,
				},
			})
			if err != nil {
				return err
			}
		}

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}

	s.logger.Info().Str("table", tableName).Msg("table truncated")
	return nil
}
