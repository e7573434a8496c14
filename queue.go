/*
Copyright 2024 Herald Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package herald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/heraldhq/herald/config"
	redis_db "github.com/heraldhq/herald/internal/redis-db"
	"github.com/heraldhq/herald/model"
)

// Queue wraps the asynq client feeding the delivery workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
	}
}

// Enqueue adds a notification to its shard of the delivery queue. The task
// id is the notification id, so re-enqueueing the same notification while a
// task is still pending is a no-op rather than a duplicate send.
func (q *Queue) Enqueue(ctx context.Context, notification *model.Notification) error {
	ctx, span := tracer.Start(ctx, "Adding notification to delivery queue")
	defer span.End()

	payload, err := notification.ToJSON()
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, q.deliveryTask(notification, payload), asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued notification: %+v", notification.NotificationID)
	return nil
}

// ScheduleRetry enqueues the notification back into its shard after the
// backoff delay. The task id carries the attempt number so a crashed worker
// re-scheduling the same retry cannot produce two tasks.
func (q *Queue) ScheduleRetry(ctx context.Context, notification *model.Notification, attempt int, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := notification.ToJSON()
	if err != nil {
		return err
	}
	queueName := q.shardName(cfg, notification.NotificationID)
	taskOptions := []asynq.Option{
		asynq.TaskID(retryTaskID(notification.NotificationID, attempt)),
		asynq.Queue(queueName),
		asynq.ProcessIn(delay),
	}
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(queueName, payload, taskOptions...))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// the same retry is already pending: a crashed worker got this far
		// before, and the in-flight task covers the attempt
		log.Printf(" [*] Retry %d for %s already scheduled", attempt, notification.NotificationID)
		return nil
	}
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Scheduled retry %d for %s in %v", attempt, notification.NotificationID, delay)
	return nil
}

// ScheduleDeferred re-enqueues a rate-limited notification to run once its
// bucket resets. Deferrals do not consume an attempt, so the task id folds
// in the reset time instead: consecutive deferrals of the same notification
// get distinct ids and never collide with the task currently holding the
// worker, while a duplicate schedule of the same deferral is a no-op.
func (q *Queue) ScheduleDeferred(ctx context.Context, notification *model.Notification, resetAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := notification.ToJSON()
	if err != nil {
		return err
	}
	queueName := q.shardName(cfg, notification.NotificationID)
	taskOptions := []asynq.Option{
		asynq.TaskID(deferredTaskID(notification.NotificationID, resetAt)),
		asynq.Queue(queueName),
		asynq.ProcessIn(time.Until(resetAt)),
	}
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(queueName, payload, taskOptions...))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Printf(" [*] Deferral for %s until %v already scheduled", notification.NotificationID, resetAt)
		return nil
	}
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Deferred %s until %v", notification.NotificationID, resetAt)
	return nil
}

// CancelPending removes any queued or scheduled task for the notification
// across all shards, including scheduled retries. Used when a delivery
// report or a cancel request makes a pending send moot.
func (q *Queue) CancelPending(notificationID string) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DeliveryQueue, i)
		ids := []string{notificationID}
		// retries carry attempt-numbered task ids
		for attempt := 1; attempt <= maxCancelableAttempts; attempt++ {
			ids = append(ids, retryTaskID(notificationID, attempt))
		}
		for _, id := range ids {
			if err := q.Inspector.DeleteTask(queueName, id); err == nil {
				log.Printf(" [*] Cancelled pending task %s on %s", id, queueName)
			}
		}
		// deferral ids carry the bucket reset time, so find them by prefix
		scheduled, err := q.Inspector.ListScheduledTasks(queueName)
		if err != nil {
			continue
		}
		prefix := fmt.Sprintf("deferred:%s:", notificationID)
		for _, task := range scheduled {
			if strings.HasPrefix(task.ID, prefix) {
				if err := q.Inspector.DeleteTask(queueName, task.ID); err == nil {
					log.Printf(" [*] Cancelled deferred task %s on %s", task.ID, queueName)
				}
			}
		}
	}
}

// GetNotificationFromQueue retrieves a queued notification by its ID.
func (q *Queue) GetNotificationFromQueue(notificationID string) (*model.Notification, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DeliveryQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, notificationID)
		if err == nil && task != nil {
			var n model.Notification
			if err := json.Unmarshal(task.Payload, &n); err != nil {
				return nil, err
			}
			return &n, nil
		}
	}
	return nil, nil
}

// queueEvent ships an outbound domain event to the event queue.
func (q *Queue) queueEvent(ctx context.Context, envelope *EventEnvelope) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	task := asynq.NewTask(cfg.Queue.EventQueue, payload,
		asynq.TaskID(envelope.ID),
		asynq.Queue(cfg.Queue.EventQueue),
	)
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// retries past this bound are long exhausted, no need to probe for them
const maxCancelableAttempts = 16

func retryTaskID(notificationID string, attempt int) string {
	return fmt.Sprintf("retry:%s:%d", notificationID, attempt)
}

func deferredTaskID(notificationID string, resetAt time.Time) string {
	return fmt.Sprintf("deferred:%s:%d", notificationID, resetAt.UnixNano())
}

// deliveryTask shards notifications across delivery queues by hashing the
// notification id, so concurrent workers spread load while any one
// notification lands on a single queue.
func (q *Queue) deliveryTask(notification *model.Notification, payload []byte) *asynq.Task {
	cnf, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
		return nil
	}
	queueName := q.shardName(cnf, notification.NotificationID)

	taskOptions := []asynq.Option{asynq.TaskID(notification.NotificationID), asynq.Queue(queueName)}
	if !notification.ScheduledFor.IsZero() {
		taskOptions = append(taskOptions, asynq.ProcessIn(time.Until(notification.ScheduledFor)))
	}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

func (q *Queue) shardName(cnf *config.Configuration, notificationID string) string {
	queueIndex := hashNotificationID(notificationID) % cnf.Queue.NumberOfQueues
	return fmt.Sprintf("%s_%d", cnf.Queue.DeliveryQueue, queueIndex+1)
}

func hashNotificationID(notificationID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(notificationID))
	return int(hasher.Sum32())
}
