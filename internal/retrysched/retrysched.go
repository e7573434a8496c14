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
package retrysched

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/heraldhq/herald/model"
)

// Table resolves the retry policy for a notification. Policies are keyed by
// service origin and channel; either side may be the wildcard, and resolution
// walks most-specific-first down to the global default.
type Table struct {
	def      model.RetryPolicy
	policies []model.RetryPolicy
}

func NewTable(def model.RetryPolicy, policies []model.RetryPolicy) *Table {
	return &Table{def: def, policies: policies}
}

// Lookup returns the most specific policy matching the service and channel.
func (t *Table) Lookup(service, channel string) model.RetryPolicy {
	candidates := [][2]string{
		{service, channel},
		{service, model.Wildcard},
		{model.Wildcard, channel},
		{model.Wildcard, model.Wildcard},
	}
	for _, c := range candidates {
		for _, p := range t.policies {
			if p.Service == c[0] && p.Channel == c[1] {
				return p
			}
		}
	}
	return t.def
}

// ShouldRetry reports whether another attempt is permitted after the given
// number of completed attempts.
func (t *Table) ShouldRetry(p model.RetryPolicy, attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay computes the backoff before the given attempt number (first retry is
// attempt 2). The exponential curve is capped at the policy ceiling before a
// uniform jitter in [0, JitterBound) is added, so concurrent retries of
// correlated failures do not land on the provider in lockstep.
func Delay(p model.RetryPolicy, attempt int) time.Duration {
	if attempt < 2 {
		attempt = 2
	}
	backoff := float64(p.BaseDelay()) * math.Pow(p.BackoffFactor, float64(attempt-2))
	capped := float64(p.MaxBackoff())
	if capped > 0 && backoff > capped {
		backoff = capped
	}
	delay := time.Duration(backoff)
	if bound := p.JitterBound(); bound > 0 {
		delay += time.Duration(rand.Int63n(int64(bound)))
	}
	return delay
}

// AttemptContext derives the per-attempt deadline from the policy. A provider
// call that outlives it is treated as timed out even if the provider later
// responds.
func AttemptContext(ctx context.Context, p model.RetryPolicy) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.AttemptTimeout())
}
