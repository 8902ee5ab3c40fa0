package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ordinal-bus/internal/domain"
)

const (
	pkOpen       = "OPEN"
	pkHistory    = "HISTORY"
	skPrefixReq  = "REQ#"
	skPrefixResp = "RESP#"
	skPrefixArch = "ARCH#"

	condExists    = "attribute_exists(PK)"
	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

	codeConditionalCheckFailed = "ConditionalCheckFailed"
	codeTransactionConflict    = "TransactionConflict"

	// archiveRetries bounds the re-reads after a conflicting write.
	archiveRetries = 1

	// fixed width so sort keys compare lexically in time order
	archSKLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores the bus in a single DynamoDB table. Open records live under
// PK=OPEN (SK=REQ#<id> / RESP#<id>), archived exchanges under PK=HISTORY
// with a time-ordered sort key.
type Client struct {
	api       dynamodbAPI
	tableName string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, logger: slog.Default(), now: time.Now}, nil
}

// WithLogger sets the logger used to report skipped records.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

func reqSK(id string) string  { return skPrefixReq + id }
func respSK(id string) string { return skPrefixResp + id }

// archSK returns a history sort key that orders by archive time.
func archSK(ts time.Time, id string) string {
	return skPrefixArch + ts.UTC().Format(archSKLayout) + "#" + id
}

func recordKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// PutRequest writes or replaces the open request record.
func (c *Client) PutRequest(ctx context.Context, req domain.Request) error {
	if err := domain.ValidateID(req.ID); err != nil {
		return fmt.Errorf("repository: PutRequest: %w", err)
	}
	item := requestItem(req)
	item["PK"] = &types.AttributeValueMemberS{Value: pkOpen}
	item["SK"] = &types.AttributeValueMemberS{Value: reqSK(req.ID)}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutRequest: %w", err)
	}
	return nil
}

// GetRequest returns the open request for id or domain.ErrNotFound.
func (c *Client) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	item, err := c.getItem(ctx, reqSK(id))
	if err != nil {
		return domain.Request{}, fmt.Errorf("repository: GetRequest: %w", err)
	}
	if len(item) == 0 {
		return domain.Request{}, domain.ErrNotFound
	}
	req, err := itemToRequest(item)
	if err != nil {
		return domain.Request{}, fmt.Errorf("repository: GetRequest: %w", err)
	}
	return req, nil
}

// GetResponse looks up the open response with a consistent read.
func (c *Client) GetResponse(ctx context.Context, id string) (domain.Response, bool, error) {
	item, err := c.getItem(ctx, respSK(id))
	if err != nil {
		return domain.Response{}, false, fmt.Errorf("repository: GetResponse: %w", err)
	}
	if len(item) == 0 {
		return domain.Response{}, false, nil
	}
	resp, err := itemToResponse(item)
	if err != nil {
		return domain.Response{}, false, fmt.Errorf("repository: GetResponse: %w", err)
	}
	return resp, true, nil
}

func (c *Client) getItem(ctx context.Context, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            recordKey(pkOpen, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Item, nil
}

// PutResponse writes the response in a transaction that also checks the
// open request still exists, so a response can never outlive its request.
func (c *Client) PutResponse(ctx context.Context, resp domain.Response) error {
	if err := domain.ValidateID(resp.ID); err != nil {
		return fmt.Errorf("repository: PutResponse: %w", err)
	}
	item := responseItem(resp)
	item["PK"] = &types.AttributeValueMemberS{Value: pkOpen}
	item["SK"] = &types.AttributeValueMemberS{Value: respSK(resp.ID)}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 recordKey(pkOpen, reqSK(resp.ID)),
					ConditionExpression: aws.String(condExists),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      item,
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("repository: PutResponse: %w", err)
	}
	return nil
}

// Archive deletes the open records and writes the history item in one
// transaction. The transaction either deletes the response or checks that
// none exists, so a response written after the read cannot be left behind
// without its request. When a condition fails Archive re-reads and tries once
// more; a request that is gone by then was archived by someone else and the
// call is a no-op returning "".
func (c *Client) Archive(ctx context.Context, id string, unanswered domain.Status) (domain.Status, error) {
	if err := domain.ValidateID(id); err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	if err := checkUnanswered(unanswered); err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	var err error
	for attempt := 0; attempt <= archiveRetries; attempt++ {
		var status domain.Status
		status, err = c.archiveOnce(ctx, id, unanswered)
		if err == nil {
			return status, nil
		}
		if !isConditionFailure(err) && !isTransactionConflict(err) {
			return "", fmt.Errorf("repository: Archive: %w", err)
		}
		c.logger.Warn("archive conflict, re-reading", "id", id, "attempt", attempt+1)
	}
	return "", fmt.Errorf("repository: Archive: %s still contended: %w", id, err)
}

func (c *Client) archiveOnce(ctx context.Context, id string, unanswered domain.Status) (domain.Status, error) {
	reqItem, err := c.getItem(ctx, reqSK(id))
	if err != nil {
		return "", fmt.Errorf("get request: %w", err)
	}
	if len(reqItem) == 0 {
		return "", nil
	}
	respItem, err := c.getItem(ctx, respSK(id))
	if err != nil {
		return "", fmt.Errorf("get response: %w", err)
	}
	answered := len(respItem) > 0
	status := settledStatus(answered, unanswered)

	archived := stripKeys(reqItem)
	archived["status"] = &types.AttributeValueMemberS{Value: string(status)}

	now := c.now().UTC()
	history := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pkHistory},
		"SK":         &types.AttributeValueMemberS{Value: archSK(now, id)},
		"id":         &types.AttributeValueMemberS{Value: id},
		"archivedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		"request":    &types.AttributeValueMemberM{Value: archived},
	}

	tx := []types.TransactWriteItem{
		{
			Delete: &types.Delete{
				TableName:           aws.String(c.tableName),
				Key:                 recordKey(pkOpen, reqSK(id)),
				ConditionExpression: aws.String(condExists),
			},
		},
	}
	if answered {
		history["response"] = &types.AttributeValueMemberM{Value: stripKeys(respItem)}
		tx = append(tx, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:           aws.String(c.tableName),
				Key:                 recordKey(pkOpen, respSK(id)),
				ConditionExpression: aws.String(condExists),
			},
		})
	} else {
		tx = append(tx, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(c.tableName),
				Key:                 recordKey(pkOpen, respSK(id)),
				ConditionExpression: aws.String(condNotExists),
			},
		})
	}
	tx = append(tx, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                history,
			ConditionExpression: aws.String(condNotExists),
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx}); err != nil {
		return "", err
	}
	c.logger.Info("exchange archived", "id", id, "status", status)
	return status, nil
}

// ListOpenRequests queries every REQ# item under the open partition.
func (c *Client) ListOpenRequests(ctx context.Context) ([]domain.Request, error) {
	var out []domain.Request
	var startKey map[string]types.AttributeValue
	for {
		page, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkOpen},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixReq},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListOpenRequests query: %w", err)
		}
		for _, item := range page.Items {
			req, err := itemToRequest(item)
			if err != nil {
				c.logger.Warn("skipping malformed request", "sk", skOf(item), "err", err)
				continue
			}
			out = append(out, req)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

// ListHistory returns archived exchanges newest first.
func (c *Client) ListHistory(ctx context.Context, limit int) ([]domain.Exchange, error) {
	var out []domain.Exchange
	var startKey map[string]types.AttributeValue
	for {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkHistory},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixArch},
			},
			// Read newest first so LIMIT favors the most recent exchanges.
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(out)))
		}
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListHistory query: %w", err)
		}
		for _, item := range page.Items {
			ex, err := itemToExchange(item)
			if err != nil {
				c.logger.Warn("skipping malformed history entry", "sk", skOf(item), "err", err)
				continue
			}
			out = append(out, ex)
		}
		if (limit > 0 && len(out) >= limit) || len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

// Stats counts items per partition with COUNT queries.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	reqs, err := c.count(ctx, pkOpen, skPrefixReq)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	resps, err := c.count(ctx, pkOpen, skPrefixResp)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	hist, err := c.count(ctx, pkHistory, skPrefixArch)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	return domain.Stats{OpenRequests: reqs, OpenResponses: resps, History: hist}, nil
}

func (c *Client) count(ctx context.Context, pk, prefix string) (int, error) {
	total := 0
	var startKey map[string]types.AttributeValue
	for {
		page, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, err
		}
		total += int(page.Count)
		if len(page.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == codeConditionalCheckFailed {
				return true
			}
		}
		return false
	}
	var failed *types.ConditionalCheckFailedException
	return errors.As(err, &failed)
}

// isTransactionConflict reports a transaction cancelled by a concurrent
// transaction on one of its items.
func isTransactionConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == codeTransactionConflict {
			return true
		}
	}
	return false
}

func requestItem(req domain.Request) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":             &types.AttributeValueMemberS{Value: req.ID},
		"type":           &types.AttributeValueMemberS{Value: req.Type},
		"fromLevel":      &types.AttributeValueMemberN{Value: strconv.Itoa(int(req.FromLevel))},
		"toLevel":        &types.AttributeValueMemberN{Value: strconv.Itoa(int(req.ToLevel))},
		"question":       &types.AttributeValueMemberS{Value: req.Question},
		"context":        &types.AttributeValueMemberS{Value: req.Context},
		"urgency":        &types.AttributeValueMemberS{Value: string(req.Urgency)},
		"timestamp":      &types.AttributeValueMemberS{Value: req.Timestamp.UTC().Format(time.RFC3339Nano)},
		"status":         &types.AttributeValueMemberS{Value: string(req.Status)},
		"timeoutSeconds": &types.AttributeValueMemberN{Value: strconv.Itoa(req.TimeoutSeconds)},
	}
}

func responseItem(resp domain.Response) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":        &types.AttributeValueMemberS{Value: resp.ID},
		"type":      &types.AttributeValueMemberS{Value: resp.Type},
		"question":  &types.AttributeValueMemberS{Value: resp.Question},
		"answer":    &types.AttributeValueMemberS{Value: resp.Answer},
		"responder": &types.AttributeValueMemberS{Value: resp.Responder},
		"timestamp": &types.AttributeValueMemberS{Value: resp.Timestamp.UTC().Format(time.RFC3339Nano)},
	}
}

// itemToRequest converts a DynamoDB attribute map to a Request. Optional
// attributes may be absent in items written by older versions.
func itemToRequest(item map[string]types.AttributeValue) (domain.Request, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Request{}, err
	}
	question, err := strAttr(item, "question")
	if err != nil {
		return domain.Request{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Request{}, err
	}
	from, _ := intAttr(item, "fromLevel")
	to, _ := intAttr(item, "toLevel")
	timeout, _ := intAttr(item, "timeoutSeconds")
	typ, _ := strAttr(item, "type")
	reqCtx, _ := strAttr(item, "context")
	urgency, _ := strAttr(item, "urgency")
	status, _ := strAttr(item, "status")

	return domain.Request{
		ID:             id,
		Type:           typ,
		FromLevel:      domain.Level(from),
		ToLevel:        domain.Level(to),
		Question:       question,
		Context:        reqCtx,
		Urgency:        domain.Urgency(urgency),
		Timestamp:      ts,
		Status:         domain.Status(status),
		TimeoutSeconds: timeout,
	}, nil
}

func itemToResponse(item map[string]types.AttributeValue) (domain.Response, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Response{}, err
	}
	answer, err := strAttr(item, "answer")
	if err != nil {
		return domain.Response{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Response{}, err
	}
	typ, _ := strAttr(item, "type")
	question, _ := strAttr(item, "question")
	responder, _ := strAttr(item, "responder")

	return domain.Response{
		ID:        id,
		Type:      typ,
		Question:  question,
		Answer:    answer,
		Responder: responder,
		Timestamp: ts,
	}, nil
}

func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	reqAttr, ok := item["request"].(*types.AttributeValueMemberM)
	if !ok {
		return domain.Exchange{}, fmt.Errorf("%w: history item has no request map", domain.ErrMalformedRecord)
	}
	req, err := itemToRequest(reqAttr.Value)
	if err != nil {
		return domain.Exchange{}, err
	}
	ex := domain.Exchange{Request: req, Container: skOf(item)}
	ex.ArchivedAt, _ = timeAttr(item, "archivedAt")

	if respAttr, ok := item["response"].(*types.AttributeValueMemberM); ok {
		resp, err := itemToResponse(respAttr.Value)
		if err != nil {
			return domain.Exchange{}, err
		}
		ex.Response = &resp
	}
	return ex, nil
}

func stripKeys(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		if k == "PK" || k == "SK" {
			continue
		}
		out[k] = v
	}
	return out
}

func skOf(item map[string]types.AttributeValue) string {
	sk, _ := strAttr(item, "SK")
	return sk
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("%w: missing attribute %q", domain.ErrMalformedRecord, key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("%w: attribute %q is not a string", domain.ErrMalformedRecord, key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing attribute %q", domain.ErrMalformedRecord, key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: attribute %q is not a number", domain.ErrMalformedRecord, key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: parse attribute %q: %v", domain.ErrMalformedRecord, key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse attribute %q: %v", domain.ErrMalformedRecord, key, err)
	}
	return t, nil
}
