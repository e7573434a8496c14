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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/apierror"
	redis_db "github.com/heraldhq/herald/internal/redis-db"
	"github.com/heraldhq/herald/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processDelivery handles one notification pulled off a delivery shard. A
// retryable failure is re-queued by the engine itself with its own backoff,
// so the asynq-level retry only covers handler crashes.
func (h *heraldInstance) processDelivery(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("herald.delivery.worker").Start(ctx, "Process Delivery From Redis Queue")
	defer span.End()

	var n model.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		logrus.Error(err)
		return err
	}

	if err := h.herald.ProcessDelivery(ctx, &n); err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			// the row disappeared under us, retrying will not bring it back
			logrus.Warnf("notification %s no longer exists, dropping task", n.NotificationID)
			return nil
		}
		logrus.Infof("Delivery %s pushed back for retry due to error: %v", n.NotificationID, err)
		return err
	}

	log.Println(" [*] Delivery Processed", n.NotificationID)
	return nil
}

// processEvent ships one domain event to the configured sink.
func (h *heraldInstance) processEvent(ctx context.Context, t *asynq.Task) error {
	var envelope herald.EventEnvelope
	if err := json.Unmarshal(t.Payload(), &envelope); err != nil {
		logrus.Error(err)
		return err
	}

	if err := h.herald.ProcessEvent(ctx, &envelope); err != nil {
		return err
	}

	log.Println(" [*] Event Delivered", envelope.Type)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.EventQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DeliveryQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(h *heraldInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DeliveryQueue, i)
		mux.HandleFunc(queueName, h.processDelivery)
	}

	mux.HandleFunc(cfg.Queue.EventQueue, h.processEvent)
}

// workerCommands defines the "workers" command: the asynq server draining
// the delivery shards and the event queue, plus the stuck-delivery sweep.
func workerCommands(h *heraldInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start herald workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeTracing(ctx)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(h, mux)

			recovery := herald.NewStuckDeliveryRecoveryProcessor(h.herald)
			recovery.Start(ctx)
			defer recovery.Stop()

			// asynqmon for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			mon := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, mon); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
