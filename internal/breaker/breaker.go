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
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/internal/store"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

const casAttempts = 32

// ErrContention is returned when the breaker record keeps changing under the
// caller and the compare-and-swap loop gives up.
var ErrContention = errors.New("breaker: state contention, try again")

// Snapshot is the breaker record for one (channel, provider) pair as stored
// in the shared store. Workers on every node read and update the same record,
// so a provider outage observed by one worker opens the circuit for all.
type Snapshot struct {
	State      string `json:"s"`
	Failures   int    `json:"f"`
	OpenedAtMs int64  `json:"o"`
	Probe      bool   `json:"p"`
}

func (s Snapshot) OpenedAt() time.Time {
	return time.UnixMilli(s.OpenedAtMs)
}

// Breaker tracks consecutive provider failures per (channel, provider) and
// stops routing to a provider once the failure threshold is reached. After
// the break duration has elapsed exactly one caller is admitted as a probe;
// its outcome decides whether the circuit closes or reopens.
type Breaker struct {
	store     store.AtomicStore
	threshold int
	breakFor  time.Duration

	now func() time.Time
}

func NewBreaker(s store.AtomicStore, threshold int, breakFor time.Duration) *Breaker {
	return &Breaker{store: s, threshold: threshold, breakFor: breakFor, now: time.Now}
}

func key(channel, provider string) string {
	return fmt.Sprintf("breaker:%s:%s", channel, provider)
}

// Allow reports whether a send may be routed to the provider. When an open
// circuit's break duration has elapsed, the winning caller claims the single
// half-open probe slot and is admitted; losers stay rejected until the probe
// resolves.
func (b *Breaker) Allow(ctx context.Context, channel, provider string) (bool, error) {
	k := key(channel, provider)
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, k)
		if err != nil {
			return false, err
		}
		if raw == nil {
			return true, nil
		}
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return false, errors.Wrap(err, "breaker: corrupt state record")
		}

		switch snap.State {
		case StateClosed:
			return true, nil
		case StateOpen:
			if b.now().Sub(snap.OpenedAt()) < b.breakFor {
				return false, nil
			}
			next := snap
			next.State = StateHalfOpen
			next.Probe = true
			ok, err := b.swap(ctx, k, raw, next)
			if err != nil {
				return false, err
			}
			if ok {
				logrus.WithFields(logrus.Fields{
					"channel":  channel,
					"provider": provider,
				}).Info("circuit half-open, probe admitted")
				return true, nil
			}
		case StateHalfOpen:
			if snap.Probe {
				return false, nil
			}
			next := snap
			next.Probe = true
			ok, err := b.swap(ctx, k, raw, next)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		default:
			return false, errors.Errorf("breaker: unknown state %q", snap.State)
		}
	}
	return false, ErrContention
}

// RecordOutcome feeds an attempt result back into the circuit. A success
// closes it; a failure increments the consecutive-failure count and opens the
// circuit at the threshold, or reopens it immediately when the failed attempt
// was the half-open probe.
func (b *Breaker) RecordOutcome(ctx context.Context, channel, provider string, success bool) error {
	k := key(channel, provider)
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, k)
		if err != nil {
			return err
		}

		var snap Snapshot
		if raw == nil {
			if success {
				return nil
			}
			snap = Snapshot{State: StateClosed}
		} else if err := json.Unmarshal(raw, &snap); err != nil {
			return errors.Wrap(err, "breaker: corrupt state record")
		}

		if success {
			if snap.State == StateClosed && snap.Failures == 0 {
				return nil
			}
			if err := b.store.Delete(ctx, k); err != nil {
				return err
			}
			if snap.State != StateClosed {
				logrus.WithFields(logrus.Fields{
					"channel":  channel,
					"provider": provider,
				}).Info("circuit closed")
			}
			return nil
		}

		next := snap
		switch snap.State {
		case StateHalfOpen:
			next.State = StateOpen
			next.OpenedAtMs = b.now().UnixMilli()
			next.Probe = false
		case StateOpen:
			// late failure report from before the circuit opened
			return nil
		default:
			next.Failures++
			if next.Failures >= b.threshold {
				next.State = StateOpen
				next.OpenedAtMs = b.now().UnixMilli()
				next.Failures = 0
			}
		}

		ok, err := b.swap(ctx, k, raw, next)
		if err != nil {
			return err
		}
		if ok {
			if next.State == StateOpen {
				logrus.WithFields(logrus.Fields{
					"channel":  channel,
					"provider": provider,
				}).Warn("circuit opened")
			}
			return nil
		}
	}
	return ErrContention
}

// Reset forces the circuit closed regardless of its current state. Intended
// for the admin surface; the caller records the audit trail.
func (b *Breaker) Reset(ctx context.Context, channel, provider string) error {
	return b.store.Delete(ctx, key(channel, provider))
}

// State returns the current record for inspection. An absent record reads as
// a closed circuit with no failures.
func (b *Breaker) State(ctx context.Context, channel, provider string) (Snapshot, error) {
	raw, err := b.store.Get(ctx, key(channel, provider))
	if err != nil {
		return Snapshot{}, err
	}
	if raw == nil {
		return Snapshot{State: StateClosed}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "breaker: corrupt state record")
	}
	return snap, nil
}

func (b *Breaker) swap(ctx context.Context, k string, expected []byte, next Snapshot) (bool, error) {
	encoded, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	// records expire on their own well after the break duration so an
	// abandoned provider does not pin store memory forever
	return b.store.CompareAndSwap(ctx, k, expected, encoded, 24*time.Hour)
}
