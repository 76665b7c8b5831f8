package task

import (
	"context"
	"fmt"

	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// queues routes money-moving work ahead of audits. Callers may still pass
// asynq.Queue explicitly; the last option wins.
var queues = map[string]string{
	taskname.ContractPaymentRetry: QueueCritical,
	taskname.ContractBillingRun:   QueueCritical,
	taskname.WalletChainVerify:    QueueLow,
}

func QueueFor(taskType string) string {
	if q, ok := queues[taskType]; ok {
		return q
	}
	return QueueDefault
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	opts = append([]asynq.Option{asynq.Queue(QueueFor(task.Type()))}, opts...)
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	logger.FromContext(ctx).Debug("task enqueued",
		zap.String("task_type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return info, nil
}
