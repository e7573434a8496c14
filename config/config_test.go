/*
Copyright 2024 Herald Authors.

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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/model"
)

func TestInitConfigFromFile(t *testing.T) {
	content := `{
		"project_name": "herald test",
		"data_source": {"dns": "postgres://localhost:5432/herald"},
		"redis": {"dns": "localhost:6379"},
		"budget": {
			"cost_table": [
				{"channel": "sms", "unit_cost_minor": 4, "billable_on": "send"},
				{"channel": "email", "unit_cost_minor": 1, "billable_on": "delivery"}
			]
		},
		"providers": {
			"sms": [
				{"name": "twilio", "url": "https://sms-primary.example.com/send"},
				{"name": "vonage", "url": "https://sms-secondary.example.com/send"}
			]
		}
	}`
	f, err := os.CreateTemp(t.TempDir(), "herald*.json")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, InitConfig(f.Name()))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "herald test", cnf.ProjectName)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)

	// defaults applied
	assert.Equal(t, 5, cnf.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60, cnf.CircuitBreaker.BreakDurationSec)
	assert.Equal(t, int64(2000), cnf.Delivery.SyncTimeoutMs)
	assert.Equal(t, 10, cnf.Delivery.BatchWorkers)
	assert.Equal(t, 4, cnf.Retry.Default.MaxAttempts)
	assert.Equal(t, model.Wildcard, cnf.RateLimit.Default.Scope.Tenant)

	// provider timeout default
	providers := cnf.ProvidersFor(model.ChannelSMS)
	require.Len(t, providers, 2)
	assert.Equal(t, "twilio", providers[0].Name)
	assert.Equal(t, 15, providers[0].TimeoutSec)
}

func TestValidateRequiresDataSourceAndRedis(t *testing.T) {
	cnf := &Configuration{Redis: RedisConfig{Dns: "localhost:6379"}}
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = &Configuration{DataSource: DataSourceConfig{Dns: "postgres://x"}}
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestValidateRejectsUnknownProviderChannel(t *testing.T) {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://x"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Providers:  map[string][]ProviderConfig{"fax": {{Name: "legacy"}}},
	}
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestCostFor(t *testing.T) {
	cnf := &Configuration{Budget: BudgetConfig{CostTable: []model.ChannelCost{
		{Channel: model.ChannelSMS, UnitCostMinor: 4, BillableOn: model.BillableOnSend},
	}}}

	cost, ok := cnf.CostFor(model.ChannelSMS)
	assert.True(t, ok)
	assert.Equal(t, int64(4), cost.UnitCostMinor)

	_, ok = cnf.CostFor(model.ChannelPush)
	assert.False(t, ok)
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{ProjectName: "mocked"})
	cnf, err := Fetch()
	assert.NoError(t, err)
	assert.Equal(t, "mocked", cnf.ProjectName)
}
