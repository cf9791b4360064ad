package awsbackend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

const (
	attrFileName   = "fileName"
	attrDate       = "date"
	attrMovingTime = "moving_time"
	attrStatus     = "file_status"
)

// DynamoAPI is the subset of the DynamoDB client the tracking store calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoTrackingStore keeps records in a table keyed by fileName (partition)
// and date (sort). Every status change is a conditional write.
type DynamoTrackingStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoTrackingStore(client DynamoAPI, table string) (*DynamoTrackingStore, error) {
	table = strings.TrimSpace(table)
	if client == nil || table == "" {
		return nil, invoicerelay.ErrInvalidInput
	}
	return &DynamoTrackingStore{client: client, table: table}, nil
}

func keyAttributes(key invoicerelay.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrFileName: &types.AttributeValueMemberS{Value: key.FileName},
		attrDate:     &types.AttributeValueMemberS{Value: key.Date},
	}
}

func (s *DynamoTrackingStore) Create(ctx context.Context, record invoicerelay.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#fn)"),
		ExpressionAttributeNames: map[string]string{"#fn": attrFileName},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return invoicerelay.ErrAlreadyExists
	}
	return err
}

func (s *DynamoTrackingStore) Get(ctx context.Context, key invoicerelay.Key) (invoicerelay.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttributes(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return invoicerelay.Record{}, err
	}
	if len(out.Item) == 0 {
		return invoicerelay.Record{}, invoicerelay.ErrNotFound
	}
	return unmarshalRecord(out.Item)
}

func (s *DynamoTrackingStore) UpdateStatus(ctx context.Context, key invoicerelay.Key, expected, next invoicerelay.Status) (invoicerelay.Record, error) {
	if !expected.CanTransitionTo(next) {
		return invoicerelay.Record{}, fmt.Errorf("%w: transition %s -> %s is not allowed", invoicerelay.ErrValidation, expected, next)
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttributes(key),
		UpdateExpression:    aws.String("SET #status = :next"),
		ConditionExpression: aws.String("attribute_exists(#fn) AND #status = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#fn":     attrFileName,
			"#status": attrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":     &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return invoicerelay.Record{}, conditionalFailure(key, expected, err)
	}
	return unmarshalRecord(out.Attributes)
}

func (s *DynamoTrackingStore) Reschedule(ctx context.Context, key invoicerelay.Key, movingTime string) (invoicerelay.Record, error) {
	if _, err := time.Parse(invoicerelay.TimeLayout, movingTime); err != nil {
		return invoicerelay.Record{}, fmt.Errorf("%w: movingTime %q is not formatted %s", invoicerelay.ErrValidation, movingTime, invoicerelay.TimeLayout)
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttributes(key),
		UpdateExpression:    aws.String("SET #mt = :mt"),
		ConditionExpression: aws.String("attribute_exists(#fn) AND #status = :copied"),
		ExpressionAttributeNames: map[string]string{
			"#fn":     attrFileName,
			"#mt":     attrMovingTime,
			"#status": attrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mt":     &types.AttributeValueMemberS{Value: movingTime},
			":copied": &types.AttributeValueMemberS{Value: string(invoicerelay.StatusCopied)},
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return invoicerelay.Record{}, conditionalFailure(key, invoicerelay.StatusCopied, err)
	}
	return unmarshalRecord(out.Attributes)
}

// conditionalFailure turns a failed condition into ErrNotFound or a status
// conflict using the old item returned with the exception.
func conditionalFailure(key invoicerelay.Key, expected invoicerelay.Status, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return err
	}
	if len(ccf.Item) == 0 {
		return invoicerelay.ErrNotFound
	}
	current, decodeErr := unmarshalRecord(ccf.Item)
	if decodeErr != nil {
		return decodeErr
	}
	return &invoicerelay.StatusConflictError{Key: key, Expected: expected, Current: current.Status}
}

func (s *DynamoTrackingStore) Delete(ctx context.Context, key invoicerelay.Key) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyAttributes(key),
		ConditionExpression:      aws.String("attribute_exists(#fn)"),
		ExpressionAttributeNames: map[string]string{"#fn": attrFileName},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return invoicerelay.ErrNotFound
	}
	return err
}

// Scan pages through the whole table. The filter expression narrows what is
// returned; Match is applied again so results agree with the other backends.
func (s *DynamoTrackingStore) Scan(ctx context.Context, filter invoicerelay.ScanFilter) ([]invoicerelay.Record, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.table), ConsistentRead: aws.Bool(true)}
	if expr, names, values := scanFilterExpression(filter); expr != "" {
		input.FilterExpression = aws.String(expr)
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	out := make([]invoicerelay.Record, 0)
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var records []invoicerelay.Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &records); err != nil {
			return nil, fmt.Errorf("unmarshal scan page: %w", err)
		}
		for _, record := range records {
			if filter.Match(record) {
				out = append(out, record)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MovingTime != out[j].MovingTime {
			return out[i].MovingTime < out[j].MovingTime
		}
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].FileName < out[j].FileName
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func scanFilterExpression(filter invoicerelay.ScanFilter) (string, map[string]string, map[string]types.AttributeValue) {
	var clauses []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	if filter.Status != "" {
		names["#status"] = attrStatus
		values[":status"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
		clauses = append(clauses, "#status = :status")
	}
	if due := filter.DueByString(); due != "" {
		names["#mt"] = attrMovingTime
		values[":due"] = &types.AttributeValueMemberS{Value: due}
		clause := "#mt <= :due"
		if filter.IncludeUnscheduled {
			clause = "(attribute_not_exists(#mt) OR #mt <= :due)"
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return strings.Join(clauses, " AND "), names, values
}

func (s *DynamoTrackingStore) Close() error {
	return nil
}

func unmarshalRecord(item map[string]types.AttributeValue) (invoicerelay.Record, error) {
	var record invoicerelay.Record
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return invoicerelay.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}
