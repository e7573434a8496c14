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
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/model"
)

const casAttempts = 32

// counters must outlive the month they track so late delivery callbacks
// still land on the right total
const counterTTL = 62 * 24 * time.Hour

// ErrContention is returned when the spend counter keeps changing under the
// caller and the compare-and-swap loop gives up.
var ErrContention = errors.New("budget: counter contention, try again")

// ThresholdAlert is emitted once per scope per month when spend crosses a
// utilization threshold.
type ThresholdAlert struct {
	Scope        string
	Month        string
	ThresholdPct int
	SpentMinor   int64
	CapMinor     int64
}

// AlertFunc receives threshold alerts. It must not block the caller.
type AlertFunc func(context.Context, ThresholdAlert)

// Enforcer tracks monthly spend per budget scope and rejects sends that would
// push a scope past its cap. The enforcement counter lives in the shared
// store; the append-only cost ledger persisted by the caller is the audit
// source of record.
type Enforcer struct {
	store   store.AtomicStore
	budgets []model.BudgetConfig
	costs   []model.ChannelCost
	alert   AlertFunc

	now func() time.Time
}

func NewEnforcer(s store.AtomicStore, budgets []model.BudgetConfig, costs []model.ChannelCost, alert AlertFunc) *Enforcer {
	return &Enforcer{store: s, budgets: budgets, costs: costs, alert: alert, now: time.Now}
}

// Resolve returns the most specific budget covering the tuple, if any.
func (e *Enforcer) Resolve(tenant, service, channel string) (model.BudgetConfig, bool) {
	var best model.BudgetConfig
	bestScore := -1
	for _, b := range e.budgets {
		if !b.Scope.Matches(tenant, service, channel) {
			continue
		}
		if score := b.Scope.Specificity(); score > bestScore {
			best, bestScore = b, score
		}
	}
	return best, bestScore >= 0
}

// CostFor returns the cost-table row for a channel. Channels without a row
// are free and never budget-constrained.
func (e *Enforcer) CostFor(channel string) (model.ChannelCost, bool) {
	for _, c := range e.costs {
		if c.Channel == channel {
			return c, true
		}
	}
	return model.ChannelCost{}, false
}

// Check admits or rejects a send against the monthly cap. Below the cap
// every priority is admitted (threshold warnings are emitted on record, not
// here); at or past the cap only high and urgent sends pass, and the
// pass-through is logged.
func (e *Enforcer) Check(ctx context.Context, tenant, service, channel, priority string) error {
	cost, ok := e.CostFor(channel)
	if !ok || cost.UnitCostMinor == 0 {
		return nil
	}
	cfg, ok := e.Resolve(tenant, service, channel)
	if !ok || cfg.MonthlyCapMinor <= 0 {
		return nil
	}

	month := e.month()
	spent, _, err := e.spend(ctx, cfg.Scope, month)
	if err != nil {
		return err
	}

	if spent < cfg.MonthlyCapMinor {
		return nil
	}

	if priority == model.PriorityHigh || priority == model.PriorityUrgent {
		logrus.WithFields(logrus.Fields{
			"scope":       cfg.Scope.String(),
			"month":       month,
			"priority":    priority,
			"spent_minor": spent,
			"cap_minor":   cfg.MonthlyCapMinor,
		}).Warn("priority send admitted past exhausted budget")
		return nil
	}

	return apierror.NewAPIError(apierror.ErrBudgetExceeded,
		fmt.Sprintf("monthly budget exhausted for scope %s", cfg.Scope.String()),
		apierror.BudgetDetails{
			Scope:          cfg.Scope.String(),
			UtilizationPct: utilization(spent, cfg.MonthlyCapMinor),
		})
}

// RecordCost charges one unit for the notification when the given billing
// event matches the channel's billable_on setting, and returns the ledger
// entry for the caller to persist. A nil record means nothing was billable.
func (e *Enforcer) RecordCost(ctx context.Context, n *model.Notification, event string) (*model.CostRecord, error) {
	cost, ok := e.CostFor(n.Channel)
	if !ok || cost.BillableOn != event {
		return nil, nil
	}

	record := &model.CostRecord{
		RecordID:      model.GenerateUUIDWithSuffix("cst"),
		TenantID:      n.TenantID,
		ServiceOrigin: n.ServiceOrigin,
		Channel:       n.Channel,
		UnitCost:      cost.UnitCost(),
		Units:         1,
		TotalCost:     cost.UnitCost(),
		OccurredAt:    e.now(),
	}

	cfg, ok := e.Resolve(n.TenantID, n.ServiceOrigin, n.Channel)
	if !ok || cfg.MonthlyCapMinor <= 0 {
		return record, nil
	}

	month := e.month()
	total, err := e.add(ctx, cfg.Scope, month, cost.UnitCostMinor)
	if err != nil {
		return nil, err
	}
	e.checkThresholds(ctx, cfg, month, total)
	return record, nil
}

// Spend returns the running total for the scope's current month.
func (e *Enforcer) Spend(ctx context.Context, scope model.ScopeKey) (int64, error) {
	spent, _, err := e.spend(ctx, scope, e.month())
	return spent, err
}

func (e *Enforcer) month() string {
	return e.now().UTC().Format("2006-01")
}

func counterKey(scope model.ScopeKey, month string) string {
	return fmt.Sprintf("budget:spend:%s:%s", scope.String(), month)
}

func (e *Enforcer) spend(ctx context.Context, scope model.ScopeKey, month string) (int64, []byte, error) {
	raw, err := e.store.Get(ctx, counterKey(scope, month))
	if err != nil {
		return 0, nil, err
	}
	if raw == nil {
		return 0, nil, nil
	}
	spent, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil, errors.Wrap(err, "budget: corrupt spend counter")
	}
	return spent, raw, nil
}

// add increments the monthly counter with compare-and-swap and returns the
// new total.
func (e *Enforcer) add(ctx context.Context, scope model.ScopeKey, month string, amount int64) (int64, error) {
	key := counterKey(scope, month)
	for i := 0; i < casAttempts; i++ {
		spent, raw, err := e.spend(ctx, scope, month)
		if err != nil {
			return 0, err
		}
		total := spent + amount
		ok, err := e.store.CompareAndSwap(ctx, key, raw, []byte(strconv.FormatInt(total, 10)), counterTTL)
		if err != nil {
			return 0, err
		}
		if ok {
			return total, nil
		}
	}
	return 0, ErrContention
}

// checkThresholds fires the warn-level and exhausted alerts the first time
// spend crosses each threshold in a month. The once-per-month guarantee is a
// set-if-absent marker in the shared store, so concurrent workers crossing
// the threshold together produce a single alert.
func (e *Enforcer) checkThresholds(ctx context.Context, cfg model.BudgetConfig, month string, total int64) {
	warnPct := cfg.WarnThresholdPct
	if warnPct <= 0 {
		warnPct = 80
	}
	for _, pct := range []int{warnPct, 100} {
		if utilization(total, cfg.MonthlyCapMinor) < float64(pct) {
			continue
		}
		marker := fmt.Sprintf("budget:alerted:%s:%s:%d", cfg.Scope.String(), month, pct)
		claimed, err := e.store.CompareAndSwap(ctx, marker, nil, []byte("1"), counterTTL)
		if err != nil {
			logrus.WithError(err).Error("budget threshold alert dedupe failed")
			continue
		}
		if !claimed {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"scope":       cfg.Scope.String(),
			"month":       month,
			"pct":         pct,
			"spent_minor": total,
			"cap_minor":   cfg.MonthlyCapMinor,
		}).Warn("budget threshold crossed")
		if e.alert != nil {
			e.alert(ctx, ThresholdAlert{
				Scope:        cfg.Scope.String(),
				Month:        month,
				ThresholdPct: pct,
				SpentMinor:   total,
				CapMinor:     cfg.MonthlyCapMinor,
			})
		}
	}
}

func utilization(spent, cap int64) float64 {
	if cap <= 0 {
		return 0
	}
	return float64(spent) / float64(cap) * 100
}
