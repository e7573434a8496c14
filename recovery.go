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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/model"
)

// StuckDeliveryRecoveryProcessor sweeps notifications parked in SENDING. A
// worker crash between the status write and the provider call leaves the
// row stranded with no queue task to move it; the sweep re-admits it.
type StuckDeliveryRecoveryProcessor struct {
	herald         *Herald
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewStuckDeliveryRecoveryProcessor(h *Herald) *StuckDeliveryRecoveryProcessor {
	maxWorkers := 10
	cfg, err := config.Fetch()
	if err == nil && cfg.Delivery.BatchWorkers > 0 {
		maxWorkers = cfg.Delivery.BatchWorkers
	}

	return &StuckDeliveryRecoveryProcessor{
		herald:         h,
		batchSize:      maxWorkers * 50,
		maxWorkers:     maxWorkers,
		pollInterval:   30 * time.Second,
		stuckThreshold: 5 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *StuckDeliveryRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck delivery recovery processor started")
}

func (p *StuckDeliveryRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck delivery recovery processor stopped")
}

func (p *StuckDeliveryRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckDeliveryRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck delivery recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck delivery recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckDeliveries triggers an immediate sweep with the provided
// threshold. Exposed for the manual trigger API endpoint.
func (h *Herald) RecoverStuckDeliveries(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewStuckDeliveryRecoveryProcessor(h)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *StuckDeliveryRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuck, err := p.herald.datasource.GetStuckNotifications(ctx, threshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck notifications: %v", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Recovering %d stuck notifications with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, n := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(n *model.Notification) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.recoverNotification(ctx, n); err != nil {
				logrus.Errorf("failed to recover stuck notification %s: %v", n.NotificationID, err)
			}
		}(n)
	}

	batchWg.Wait()
	return len(stuck)
}

// recoverNotification re-admits one stranded row. The retry policy still
// governs the attempt budget: a row that already burned its attempts fails
// instead of looping through recovery forever.
func (p *StuckDeliveryRecoveryProcessor) recoverNotification(ctx context.Context, n *model.Notification) error {
	policy := p.herald.retries.Lookup(n.ServiceOrigin, n.Channel)
	attempts := n.AttemptCount()

	if !p.herald.retries.ShouldRetry(policy, attempts) {
		if err := p.herald.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed); err != nil {
			return err
		}
		alert.Notify(alert.Alert{
			Kind:    alert.KindRetryExhausted,
			Message: "stuck notification " + n.NotificationID + " abandoned after exhausting its retry policy",
			Fields: map[string]interface{}{
				"notification_id": n.NotificationID,
				"tenant_id":       n.TenantID,
				"channel":         n.Channel,
			},
		})
		p.herald.SendEvent(ctx, EventNotificationFailed, n.NotificationID, map[string]interface{}{
			"notification_id": n.NotificationID,
			"reason":          "stuck in sending, retries exhausted",
		})
		return nil
	}

	if err := p.herald.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusRetrying); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"notification_id": n.NotificationID,
		"attempts":        attempts,
	}).Info("re-admitting stuck notification")
	return p.herald.queue.ScheduleRetry(ctx, n, attempts+1, 0)
}
