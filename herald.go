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
	"embed"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/database"
	"github.com/heraldhq/herald/internal/breaker"
	"github.com/heraldhq/herald/internal/budget"
	"github.com/heraldhq/herald/internal/gateway"
	redis_db "github.com/heraldhq/herald/internal/redis-db"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/retrysched"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Renderer resolves a template key, variables, and locale into a sendable
// subject and body. Template storage is an external collaborator; the engine
// only needs this call.
type Renderer func(ctx context.Context, n *model.Notification) (subject, body string, err error)

// Herald is the delivery engine: admission gates, provider routing, retry
// scheduling, and the queue feeding the workers.
type Herald struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	store      store.AtomicStore
	limiter    *ratelimit.Limiter
	budget     *budget.Enforcer
	breaker    *breaker.Breaker
	router     *gateway.Router
	retries    *retrysched.Table
	renderer   Renderer
}

// New initializes the engine against the shared configuration: Redis for
// queueing and coordination state, Postgres for the notification ledger.
func New(db database.IDataSource) (*Herald, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	shared := store.NewRedisStore(redisClient.Client())
	h := &Herald{
		queue:      NewQueue(configuration),
		redis:      redisClient.Client(),
		datasource: db,
		store:      shared,
		limiter:    ratelimit.NewLimiter(shared, configuration.RateLimit.Default, configuration.RateLimit.Overrides),
		breaker: breaker.NewBreaker(shared, configuration.CircuitBreaker.FailureThreshold,
			time.Duration(configuration.CircuitBreaker.BreakDurationSec)*time.Second),
		router:  gateway.NewRouter(configuration.Providers),
		retries: retrysched.NewTable(configuration.Retry.Default, configuration.Retry.Policies),
	}
	h.budget = budget.NewEnforcer(shared, configuration.Budget.Budgets, configuration.Budget.CostTable, h.budgetAlert)
	h.renderer = prerenderedOnly
	return h, nil
}

// SetRenderer installs the template renderer. Without one, only notifications
// carrying pre-rendered content can be delivered.
func (h *Herald) SetRenderer(r Renderer) {
	if r != nil {
		h.renderer = r
	}
}

// Router exposes the provider router for the admin and webhook surfaces.
func (h *Herald) Router() *gateway.Router {
	return h.router
}

// Breaker exposes circuit state for the admin surface.
func (h *Herald) Breaker() *breaker.Breaker {
	return h.breaker
}

// Limiter exposes the rate limiter for response metadata.
func (h *Herald) Limiter() *ratelimit.Limiter {
	return h.limiter
}

// RecordAudit persists a privileged-action audit record. Audit writes are
// best effort and never fail the action they describe.
func (h *Herald) RecordAudit(ctx context.Context, record *model.AuditRecord) {
	if err := h.datasource.RecordAuditLog(ctx, record); err != nil {
		logrus.WithField("action", record.Action).WithError(err).Error("failed to record audit log")
	}
}
