package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/google/uuid"

	"imgdraw/internal/azureclient"
	logx "imgdraw/pkg/logx"
)

// Azure caps a single dequeue at 32 messages.
const azMaxBatch = 32

type azQueue struct {
	client     *azqueue.QueueClient
	log        logx.Logger
	visibility time.Duration
}

func openAzureQueue(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("queue.name is required for azqueue driver")
	}
	client, err := azureclient.NewQueue(azureclient.Config{
		ConnectionString: cfg.ConnectionString,
		ServiceURL:       cfg.ServiceURL,
	}, name)
	if err != nil {
		return nil, err
	}
	if _, err := client.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}
	log.Debug("azure queue ready", logx.String("queue", name))
	return &azQueue{client: client, log: log, visibility: cfg.Visibility}, nil
}

func seconds(d time.Duration) *int32 {
	return to.Ptr(int32(d / time.Second))
}

func (q *azQueue) Enqueue(ctx context.Context, item WorkItem, delay time.Duration) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	body, err := item.Encode()
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, body, &azqueue.EnqueueMessageOptions{
		VisibilityTimeout: seconds(clampDelay(delay)),
		// Never expire; a week-long schedule must outlive the 7 day default.
		TimeToLive: to.Ptr[int32](-1),
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *azQueue) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	n := int32(min(max(limit, 1), azMaxBatch))
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &n,
		VisibilityTimeout: seconds(q.visibility),
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	out := make([]Delivery, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		id, pop := *m.MessageID, *m.PopReceipt
		item, err := DecodeWorkItem(decodeIfBase64(valueOr(m.MessageText, "")))
		if err != nil {
			q.log.Error("dropping undecodable queue message", logx.String("id", id), logx.Err(err))
			if _, derr := q.client.DeleteMessage(ctx, id, pop, nil); derr != nil {
				q.log.Warn("delete undecodable message failed", logx.String("id", id), logx.Err(derr))
			}
			continue
		}
		out = append(out, Delivery{Item: item, ID: id, Receipt: pop, Attempt: int(valueOr(m.DequeueCount, 1))})
	}
	return out, nil
}

func (q *azQueue) Ack(ctx context.Context, d Delivery) error {
	if _, err := q.client.DeleteMessage(ctx, d.ID, d.Receipt, nil); err != nil {
		if queueerror.HasCode(err, queueerror.MessageNotFound, queueerror.PopReceiptMismatch) {
			return ErrBadDelivery
		}
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *azQueue) Nack(ctx context.Context, d Delivery, retryAfter time.Duration) error {
	body, err := d.Item.Encode()
	if err != nil {
		return err
	}
	_, err = q.client.UpdateMessage(ctx, d.ID, d.Receipt, body, &azqueue.UpdateMessageOptions{
		VisibilityTimeout: seconds(clampDelay(retryAfter)),
	})
	if err != nil {
		if queueerror.HasCode(err, queueerror.MessageNotFound, queueerror.PopReceiptMismatch) {
			return ErrBadDelivery
		}
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (q *azQueue) Close() error { return nil }

// Messages written by other tools are often base64 encoded.
func decodeIfBase64(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") || len(s)%4 != 0 {
		return s
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// valueOr dereferences p, or returns def when p is nil.
func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
