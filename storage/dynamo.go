package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/signrelay/signrelay/types"
)

const (
	// dynamoTokenIndex is the GSI resolving external tokens. The workflows
	// table indexes "token", the recipients table "access_token".
	dynamoTokenIndex = "token-index"
	// dynamoWorkflowIndex is the GSI keyed by workflow_id on the child
	// tables (recipients, attachments, notifications).
	dynamoWorkflowIndex = "workflow-index"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// DynamoTables names the four tables a DynamoStore operates on.
type DynamoTables struct {
	Workflows     string
	Recipients    string
	Attachments   string
	Notifications string
}

// DynamoStore implements Store on DynamoDB. Status transitions use
// conditional expressions, and the ordered-completion rule runs as a
// transaction that condition-checks every earlier recipient.
type DynamoStore struct {
	client *dynamodb.Client
	tables DynamoTables
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(client *dynamodb.Client, tables DynamoTables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables}
}

type dynamoWorkflow struct {
	ID                uint64            `dynamodbav:"id"`
	Token             string            `dynamodbav:"token"`
	SourceDocument    string            `dynamodbav:"source_document"`
	Status            string            `dynamodbav:"status"`
	Metadata          map[string]string `dynamodbav:"metadata,omitempty"`
	CompletedDocument string            `dynamodbav:"completed_document,omitempty"`
	AuditDocument     string            `dynamodbav:"audit_document,omitempty"`
	CreatedAt         time.Time         `dynamodbav:"created_at"`
	UpdatedAt         time.Time         `dynamodbav:"updated_at"`
}

type dynamoRecipient struct {
	ID               uint64         `dynamodbav:"id"`
	WorkflowID       uint64         `dynamodbav:"workflow_id"`
	OrderIndex       int            `dynamodbav:"order_index"`
	Name             string         `dynamodbav:"name"`
	Email            string         `dynamodbav:"email"`
	Mobile           string         `dynamodbav:"mobile,omitempty"`
	Role             string         `dynamodbav:"role"`
	AccessToken      string         `dynamodbav:"access_token"`
	Status           string         `dynamodbav:"status"`
	FormData         map[string]any `dynamodbav:"form_data"`
	SubmittedAt      *time.Time     `dynamodbav:"submitted_at,omitempty"`
	DeliverCompleted bool           `dynamodbav:"deliver_completed"`
	DeliverAudit     bool           `dynamodbav:"deliver_audit"`
}

type dynamoAttachment struct {
	ID          uint64 `dynamodbav:"id"`
	WorkflowID  uint64 `dynamodbav:"workflow_id"`
	RecipientID uint64 `dynamodbav:"recipient_id"`
	Name        string `dynamodbav:"name"`
	BlobKey     string `dynamodbav:"blob_key"`
	Size        int64  `dynamodbav:"size"`
	ContentType string `dynamodbav:"content_type"`
	UploadedBy  string `dynamodbav:"uploaded_by"`
}

type dynamoNotification struct {
	ID            uint64    `dynamodbav:"id"`
	WorkflowID    uint64    `dynamodbav:"workflow_id"`
	RecipientID   uint64    `dynamodbav:"recipient_id"`
	Channel       string    `dynamodbav:"channel"`
	Address       string    `dynamodbav:"address"`
	Subject       string    `dynamodbav:"subject"`
	Status        string    `dynamodbav:"status"`
	ExternalID    string    `dynamodbav:"external_id,omitempty"`
	DispatchError string    `dynamodbav:"dispatch_error,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
}

func (s *DynamoStore) CreateWorkflow(ctx context.Context, wf types.Workflow) error {
	item, err := attributevalue.MarshalMap(toDynamoWorkflow(wf))
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Workflows),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("workflow %d already exists: %w", wf.ID, types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("put workflow %d: %w", wf.ID, err)
	}
	return nil
}

func (s *DynamoStore) WorkflowByToken(ctx context.Context, token string) (types.Workflow, error) {
	item, err := s.queryOneByToken(ctx, s.tables.Workflows, "token", token)
	if err != nil {
		return types.Workflow{}, err
	}
	var rec dynamoWorkflow
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return types.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return fromDynamoWorkflow(rec), nil
}

func (s *DynamoStore) WorkflowByID(ctx context.Context, id uint64) (types.Workflow, error) {
	key, err := dynamoKey(id)
	if err != nil {
		return types.Workflow{}, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Workflows),
		Key:       key,
	})
	if err != nil {
		return types.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	if len(out.Item) == 0 {
		return types.Workflow{}, fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
	}
	var rec dynamoWorkflow
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return types.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return fromDynamoWorkflow(rec), nil
}

func (s *DynamoStore) CompleteWorkflow(ctx context.Context, id uint64) (bool, error) {
	key, err := dynamoKey(id)
	if err != nil {
		return false, err
	}
	update := expression.
		Set(expression.Name("status"), expression.Value(string(types.WorkflowCompleted))).
		Set(expression.Name("updated_at"), expression.Value(time.Now()))
	cond := expression.Name("status").Equal(expression.Value(string(types.WorkflowActive)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return false, fmt.Errorf("build expression: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Workflows),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalCheckFailed(err) {
		// Either already completed or never created.
		if _, gerr := s.WorkflowByID(ctx, id); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete workflow %d: %w", id, err)
	}
	return true, nil
}

func (s *DynamoStore) PurgeWorkflow(ctx context.Context, id uint64) error {
	key, err := dynamoKey(id)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tables.Workflows),
		Key:                 key,
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete workflow %d: %w", id, err)
	}
	for _, table := range []string{s.tables.Recipients, s.tables.Attachments, s.tables.Notifications} {
		if err := s.purgeChildren(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

// purgeChildren drops every item of a child table belonging to a workflow,
// 25 keys per batch write.
func (s *DynamoStore) purgeChildren(ctx context.Context, table string, workflowID uint64) error {
	items, err := s.queryByWorkflow(ctx, table, workflowID)
	if err != nil {
		return err
	}
	var requests []dynamotypes.WriteRequest
	for _, item := range items {
		requests = append(requests, dynamotypes.WriteRequest{
			DeleteRequest: &dynamotypes.DeleteRequest{
				Key: map[string]dynamotypes.AttributeValue{"id": item["id"]},
			},
		})
	}
	for len(requests) > 0 {
		n := len(requests)
		if n > 25 {
			n = 25
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]dynamotypes.WriteRequest{table: requests[:n]},
		})
		if err != nil {
			return fmt.Errorf("purge %s for workflow %d: %w", table, workflowID, err)
		}
		requests = requests[n:]
	}
	return nil
}

func (s *DynamoStore) AddRecipients(ctx context.Context, rcpts []types.Recipient) error {
	var items []dynamotypes.TransactWriteItem
	for _, r := range rcpts {
		item, err := attributevalue.MarshalMap(toDynamoRecipient(r))
		if err != nil {
			return fmt.Errorf("marshal recipient: %w", err)
		}
		items = append(items, dynamotypes.TransactWriteItem{
			Put: &dynamotypes.Put{
				TableName:           aws.String(s.tables.Recipients),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		})
	}
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}
	return nil
}

func (s *DynamoStore) RecipientByToken(ctx context.Context, token string) (types.Recipient, error) {
	item, err := s.queryOneByToken(ctx, s.tables.Recipients, "access_token", token)
	if err != nil {
		return types.Recipient{}, err
	}
	var rec dynamoRecipient
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return types.Recipient{}, fmt.Errorf("unmarshal recipient: %w", err)
	}
	return fromDynamoRecipient(rec), nil
}

func (s *DynamoStore) RecipientsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Recipient, error) {
	items, err := s.queryByWorkflow(ctx, s.tables.Recipients, workflowID)
	if err != nil {
		return nil, err
	}
	var out []types.Recipient
	for _, item := range items {
		var rec dynamoRecipient
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal recipient: %w", err)
		}
		out = append(out, fromDynamoRecipient(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (s *DynamoStore) UpdateRecipientFormData(ctx context.Context, recipientID uint64, data map[string]any) error {
	key, err := dynamoKey(recipientID)
	if err != nil {
		return err
	}
	update := formDataUpdate(expression.UpdateBuilder{}, data)
	cond := expression.Name("status").Equal(expression.Value(string(types.RecipientPending)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build expression: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Recipients),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalCheckFailed(err) {
		return s.classifyRecipientCondition(ctx, recipientID, false)
	}
	if err != nil {
		return fmt.Errorf("update recipient %d form data: %w", recipientID, err)
	}
	return nil
}

func (s *DynamoStore) CompleteRecipient(ctx context.Context, recipientID uint64, data map[string]any, at time.Time) error {
	self, err := s.recipientByID(ctx, recipientID)
	if err != nil {
		return err
	}
	earlier, err := s.earlierRecipients(ctx, self.WorkflowID, self.OrderIndex)
	if err != nil {
		return err
	}

	key, err := dynamoKey(recipientID)
	if err != nil {
		return err
	}
	update := formDataUpdate(expression.
		Set(expression.Name("status"), expression.Value(string(types.RecipientCompleted))).
		Set(expression.Name("submitted_at"), expression.Value(at)), data)
	cond := expression.Name("status").Equal(expression.Value(string(types.RecipientPending)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build expression: %w", err)
	}
	// The first transact item flips this recipient; the rest assert every
	// earlier recipient already completed. DynamoDB evaluates all
	// conditions atomically, so two racing submissions cannot both win.
	items := []dynamotypes.TransactWriteItem{{
		Update: &dynamotypes.Update{
			TableName:                 aws.String(s.tables.Recipients),
			Key:                       key,
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}}
	for _, p := range earlier {
		pkey, err := dynamoKey(p.ID)
		if err != nil {
			return err
		}
		ccond := expression.Name("status").Equal(expression.Value(string(types.RecipientCompleted)))
		cexpr, err := expression.NewBuilder().WithCondition(ccond).Build()
		if err != nil {
			return fmt.Errorf("build expression: %w", err)
		}
		items = append(items, dynamotypes.TransactWriteItem{
			ConditionCheck: &dynamotypes.ConditionCheck{
				TableName:                 aws.String(s.tables.Recipients),
				Key:                       pkey,
				ConditionExpression:       cexpr.Condition(),
				ExpressionAttributeNames:  cexpr.Names(),
				ExpressionAttributeValues: cexpr.Values(),
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	var canceled *dynamotypes.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			if reason.Code == nil || *reason.Code != conditionalCheckFailed {
				continue
			}
			if i == 0 {
				return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
			}
			return fmt.Errorf("recipient %d waits on an earlier step: %w", recipientID, types.ErrOutOfTurn)
		}
		return fmt.Errorf("complete recipient %d: %w", recipientID, err)
	}
	if err != nil {
		return fmt.Errorf("complete recipient %d: %w", recipientID, err)
	}
	return nil
}

func (s *DynamoStore) classifyRecipientCondition(ctx context.Context, recipientID uint64, orderMatters bool) error {
	rec, err := s.recipientByID(ctx, recipientID)
	if err != nil {
		return err
	}
	if rec.Status != types.RecipientPending {
		return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
	}
	if orderMatters {
		return fmt.Errorf("recipient %d waits on an earlier step: %w", recipientID, types.ErrOutOfTurn)
	}
	return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
}

func (s *DynamoStore) recipientByID(ctx context.Context, id uint64) (types.Recipient, error) {
	key, err := dynamoKey(id)
	if err != nil {
		return types.Recipient{}, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Recipients),
		Key:       key,
	})
	if err != nil {
		return types.Recipient{}, fmt.Errorf("get recipient %d: %w", id, err)
	}
	if len(out.Item) == 0 {
		return types.Recipient{}, fmt.Errorf("recipient %d: %w", id, types.ErrNotFound)
	}
	var rec dynamoRecipient
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return types.Recipient{}, fmt.Errorf("unmarshal recipient: %w", err)
	}
	return fromDynamoRecipient(rec), nil
}

func (s *DynamoStore) earlierRecipients(ctx context.Context, workflowID uint64, beforeOrder int) ([]types.Recipient, error) {
	all, err := s.RecipientsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var out []types.Recipient
	for _, r := range all {
		if r.OrderIndex < beforeOrder {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *DynamoStore) NextPendingRecipient(ctx context.Context, workflowID uint64, afterOrder int) (types.Recipient, error) {
	all, err := s.RecipientsByWorkflow(ctx, workflowID)
	if err != nil {
		return types.Recipient{}, err
	}
	for _, r := range all {
		if r.OrderIndex > afterOrder && r.Status == types.RecipientPending {
			return r, nil
		}
	}
	return types.Recipient{}, fmt.Errorf("no pending recipient after order %d: %w", afterOrder, types.ErrNotFound)
}

func (s *DynamoStore) SetCompletedDocument(ctx context.Context, workflowID uint64, key string) error {
	return s.setDocumentAttr(ctx, workflowID, "completed_document", key)
}

func (s *DynamoStore) SetAuditDocument(ctx context.Context, workflowID uint64, key string) error {
	return s.setDocumentAttr(ctx, workflowID, "audit_document", key)
}

func (s *DynamoStore) setDocumentAttr(ctx context.Context, workflowID uint64, attr, value string) error {
	key, err := dynamoKey(workflowID)
	if err != nil {
		return err
	}
	update := expression.
		Set(expression.Name(attr), expression.Value(value)).
		Set(expression.Name("updated_at"), expression.Value(time.Now()))
	cond := expression.AttributeExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build expression: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Workflows),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("workflow %d: %w", workflowID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set %s on workflow %d: %w", attr, workflowID, err)
	}
	return nil
}

func (s *DynamoStore) AddAttachment(ctx context.Context, att types.Attachment) error {
	item, err := attributevalue.MarshalMap(dynamoAttachment{
		ID:          att.ID,
		WorkflowID:  att.WorkflowID,
		RecipientID: att.RecipientID,
		Name:        att.Name,
		BlobKey:     att.Key,
		Size:        att.Size,
		ContentType: att.ContentType,
		UploadedBy:  att.UploadedBy,
	})
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Attachments),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put attachment %d: %w", att.ID, err)
	}
	return nil
}

func (s *DynamoStore) AttachmentsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Attachment, error) {
	items, err := s.queryByWorkflow(ctx, s.tables.Attachments, workflowID)
	if err != nil {
		return nil, err
	}
	var out []types.Attachment
	for _, item := range items {
		var rec dynamoAttachment
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal attachment: %w", err)
		}
		out = append(out, types.Attachment{
			ID:          rec.ID,
			WorkflowID:  rec.WorkflowID,
			RecipientID: rec.RecipientID,
			Name:        rec.Name,
			Key:         rec.BlobKey,
			Size:        rec.Size,
			ContentType: rec.ContentType,
			UploadedBy:  rec.UploadedBy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DynamoStore) RecordNotification(ctx context.Context, n types.Notification) error {
	item, err := attributevalue.MarshalMap(dynamoNotification{
		ID:            n.ID,
		WorkflowID:    n.WorkflowID,
		RecipientID:   n.RecipientID,
		Channel:       string(n.Channel),
		Address:       n.Address,
		Subject:       n.Subject,
		Status:        string(n.Status),
		ExternalID:    n.ExternalID,
		DispatchError: n.Error,
		CreatedAt:     n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Notifications),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put notification %d: %w", n.ID, err)
	}
	return nil
}

func (s *DynamoStore) UpdateNotification(ctx context.Context, id uint64, status types.NotificationStatus, externalID, dispatchErr string) error {
	key, err := dynamoKey(id)
	if err != nil {
		return err
	}
	update := expression.
		Set(expression.Name("status"), expression.Value(string(status))).
		Set(expression.Name("external_id"), expression.Value(externalID)).
		Set(expression.Name("dispatch_error"), expression.Value(dispatchErr))
	cond := expression.AttributeExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build expression: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Notifications),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("notification %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update notification %d: %w", id, err)
	}
	return nil
}

func (s *DynamoStore) NotificationsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Notification, error) {
	items, err := s.queryByWorkflow(ctx, s.tables.Notifications, workflowID)
	if err != nil {
		return nil, err
	}
	var out []types.Notification
	for _, item := range items {
		var rec dynamoNotification
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		out = append(out, types.Notification{
			ID:          rec.ID,
			WorkflowID:  rec.WorkflowID,
			RecipientID: rec.RecipientID,
			Channel:     types.Channel(rec.Channel),
			Address:     rec.Address,
			Subject:     rec.Subject,
			Status:      types.NotificationStatus(rec.Status),
			ExternalID:  rec.ExternalID,
			Error:       rec.DispatchError,
			CreatedAt:   rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DynamoStore) queryOneByToken(ctx context.Context, table, attr, token string) (map[string]dynamotypes.AttributeValue, error) {
	keyCond := expression.Key(attr).Equal(expression.Value(token))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build expression: %w", err)
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		IndexName:                 aws.String(dynamoTokenIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s by token: %w", table, err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("token %q: %w", token, types.ErrNotFound)
	}
	return out.Items[0], nil
}

func (s *DynamoStore) queryByWorkflow(ctx context.Context, table string, workflowID uint64) ([]map[string]dynamotypes.AttributeValue, error) {
	keyCond := expression.Key("workflow_id").Equal(expression.Value(workflowID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build expression: %w", err)
	}
	var (
		items   []map[string]dynamotypes.AttributeValue
		lastKey map[string]dynamotypes.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(table),
			IndexName:                 aws.String(dynamoWorkflowIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s by workflow: %w", table, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return items, nil
}

// formDataUpdate appends one SET path per submitted key so concurrent
// partial saves merge instead of overwriting the whole map.
func formDataUpdate(update expression.UpdateBuilder, data map[string]any) expression.UpdateBuilder {
	for k, v := range data {
		update = update.Set(expression.Name("form_data."+k), expression.Value(v))
	}
	return update
}

func dynamoKey(id uint64) (map[string]dynamotypes.AttributeValue, error) {
	v, err := attributevalue.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return map[string]dynamotypes.AttributeValue{"id": v}, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *dynamotypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func toDynamoWorkflow(wf types.Workflow) dynamoWorkflow {
	return dynamoWorkflow{
		ID:                wf.ID,
		Token:             wf.Token,
		SourceDocument:    wf.SourceDocument,
		Status:            string(wf.Status),
		Metadata:          wf.Metadata,
		CompletedDocument: wf.CompletedDocument,
		AuditDocument:     wf.AuditDocument,
		CreatedAt:         wf.CreatedAt,
		UpdatedAt:         wf.UpdatedAt,
	}
}

func fromDynamoWorkflow(rec dynamoWorkflow) types.Workflow {
	return types.Workflow{
		ID:                rec.ID,
		Token:             rec.Token,
		SourceDocument:    rec.SourceDocument,
		Status:            types.WorkflowStatus(rec.Status),
		Metadata:          rec.Metadata,
		CompletedDocument: rec.CompletedDocument,
		AuditDocument:     rec.AuditDocument,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toDynamoRecipient(r types.Recipient) dynamoRecipient {
	formData := r.FormData
	if formData == nil {
		formData = map[string]any{}
	}
	return dynamoRecipient{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		OrderIndex:       r.OrderIndex,
		Name:             r.Name,
		Email:            r.Email,
		Mobile:           r.Mobile,
		Role:             string(r.Role),
		AccessToken:      r.AccessToken,
		Status:           string(r.Status),
		FormData:         formData,
		SubmittedAt:      r.SubmittedAt,
		DeliverCompleted: r.Delivery.CompletedDocument,
		DeliverAudit:     r.Delivery.AuditCertificate,
	}
}

func fromDynamoRecipient(rec dynamoRecipient) types.Recipient {
	return types.Recipient{
		ID:          rec.ID,
		WorkflowID:  rec.WorkflowID,
		OrderIndex:  rec.OrderIndex,
		Name:        rec.Name,
		Email:       rec.Email,
		Mobile:      rec.Mobile,
		Role:        types.RecipientRole(rec.Role),
		AccessToken: rec.AccessToken,
		Status:      types.RecipientStatus(rec.Status),
		FormData:    rec.FormData,
		SubmittedAt: rec.SubmittedAt,
		Delivery: types.DeliveryPrefs{
			CompletedDocument: rec.DeliverCompleted,
			AuditCertificate:  rec.DeliverAudit,
		},
	}
}
