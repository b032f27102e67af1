// Package dynamo implements table.Table on Amazon DynamoDB, the store the
// historical deployment ran on. The table has a composite primary key
// (ColeccionID HASH, NombreColeccion RANGE).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/labcase/labcase/internal/platform/table"
)

// API is the subset of *dynamodb.Client the table uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds client construction parameters.
type Config struct {
	Region          string
	Endpoint        string // optional; DynamoDB Local or LocalStack
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds a DynamoDB client from cfg and the default AWS chain.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Table is a table.Table over one DynamoDB table.
type Table struct {
	client API
	name   string
}

var (
	_ table.Table   = (*Table)(nil)
	_ table.Ensurer = (*Table)(nil)
	_ table.Pinger  = (*Table)(nil)
)

// New returns a table named name.
func New(client API, name string) *Table {
	if name == "" {
		name = table.DefaultName
	}
	return &Table{client: client, name: name}
}

func keyAttrs(key table.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		table.AttrKey:        &types.AttributeValueMemberS{Value: key.ID},
		table.AttrCollection: &types.AttributeValueMemberS{Value: key.Collection},
	}
}

func (t *Table) GetItem(ctx context.Context, key table.Key) (table.Item, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decode(out.Item)
}

func (t *Table) PutItem(ctx context.Context, item table.Item, cond *table.Condition) error {
	key, err := table.KeyOf(item)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(t.name), Item: av}
	if cond != nil {
		expr := "#v = :v"
		if cond.Version == 0 {
			expr = "attribute_not_exists(#v) OR #v = :v"
		}
		in.ConditionExpression = aws.String(expr)
		in.ExpressionAttributeNames = map[string]string{"#v": table.AttrVersion}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(cond.Version, 10)},
		}
	}
	if _, err := t.client.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return table.ErrConditionFailed
		}
		return fmt.Errorf("dynamodb put %s: %w", key, err)
	}
	return nil
}

func (t *Table) ScanCollection(ctx context.Context, collection string) ([]table.Item, error) {
	p := dynamodb.NewScanPaginator(t.client, &dynamodb.ScanInput{
		TableName:                aws.String(t.name),
		FilterExpression:         aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{"#c": table.AttrCollection},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: collection},
		},
	})
	out := []table.Item{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan %s: %w", collection, err)
		}
		for _, raw := range page.Items {
			item, err := decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// Ensure creates the table with on-demand billing when it does not exist and
// waits until it is active.
func (t *Table) Ensure(ctx context.Context) error {
	_, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	if err == nil {
		return nil
	}
	var rnf *types.ResourceNotFoundException
	if !errors.As(err, &rnf) {
		return fmt.Errorf("describe table %s: %w", t.name, err)
	}

	_, err = t.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(t.name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(table.AttrKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(table.AttrCollection), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(table.AttrKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(table.AttrCollection), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.name, err)
	}
	w := dynamodb.NewTableExistsWaiter(t.client)
	return w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)}, 2*time.Minute)
}

// Ping checks that the table is reachable.
func (t *Table) Ping(ctx context.Context) error {
	_, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	return err
}

func decode(raw map[string]types.AttributeValue) (table.Item, error) {
	var m map[string]any
	if err := attributevalue.UnmarshalMap(raw, &m); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return table.Clone(m)
}
