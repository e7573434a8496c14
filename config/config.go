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
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/model"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"HERALD_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"HERALD_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"HERALD_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"HERALD_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"HERALD_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"HERALD_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"HERALD_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"HERALD_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"HERALD_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	DeliveryQueue  string `json:"delivery_queue" envconfig:"HERALD_QUEUE_DELIVERY"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"HERALD_QUEUE_NUMBER_OF_QUEUES"`
	EventQueue     string `json:"event_queue" envconfig:"HERALD_QUEUE_EVENT"`
	MonitoringPort string `json:"monitoring_port" envconfig:"HERALD_QUEUE_MONITORING_PORT"`
}

// HTTPRateLimitConfig throttles the HTTP edge. It is independent of the
// domain rate limiter, which gates delivery admission per scope.
type HTTPRateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"HERALD_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"HERALD_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"HERALD_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// RateLimitConfig holds the admission token-bucket default plus per-scope
// overrides resolved most-specific-first.
type RateLimitConfig struct {
	Default   model.RateLimitConfig   `json:"default"`
	Overrides []model.RateLimitConfig `json:"overrides"`
}

type BudgetConfig struct {
	Budgets   []model.BudgetConfig `json:"budgets"`
	CostTable []model.ChannelCost  `json:"cost_table"`
}

type RetryConfig struct {
	Default  model.RetryPolicy   `json:"default"`
	Policies []model.RetryPolicy `json:"policies"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" envconfig:"HERALD_BREAKER_FAILURE_THRESHOLD"`
	BreakDurationSec int `json:"break_duration_sec" envconfig:"HERALD_BREAKER_BREAK_DURATION_SEC"`
}

// ProviderConfig describes one gateway endpoint. Providers for a channel are
// listed in failover order: the first entry is primary.
type ProviderConfig struct {
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers"`
	SigningSecret string            `json:"signing_secret"`
	WebhookSecret string            `json:"webhook_secret"`
	TimeoutSec    int               `json:"timeout_sec"`
}

type DeliveryConfig struct {
	SyncTimeoutMs int64 `json:"sync_timeout_ms" envconfig:"HERALD_DELIVERY_SYNC_TIMEOUT_MS"`
	BatchWorkers  int   `json:"batch_workers" envconfig:"HERALD_DELIVERY_BATCH_WORKERS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

// EventSink is the downstream consumer endpoint for outbound domain events.
type EventSink struct {
	Url     string            `json:"url"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
}

type Alerting struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string                      `json:"project_name" envconfig:"HERALD_PROJECT_NAME"`
	Server         ServerConfig                `json:"server"`
	DataSource     DataSourceConfig            `json:"data_source"`
	Redis          RedisConfig                 `json:"redis"`
	Queue          QueueConfig                 `json:"queue"`
	HTTPRateLimit  HTTPRateLimitConfig         `json:"http_rate_limit"`
	RateLimit      RateLimitConfig             `json:"rate_limit"`
	Budget         BudgetConfig                `json:"budget"`
	Retry          RetryConfig                 `json:"retry"`
	CircuitBreaker CircuitBreakerConfig        `json:"circuit_breaker"`
	Providers      map[string][]ProviderConfig `json:"providers"`
	Delivery       DeliveryConfig              `json:"delivery"`
	EventSink      EventSink                   `json:"event_sink"`
	Alerting       Alerting                    `json:"alerting"`
	OtelEndpoint   string                      `json:"otel_endpoint" envconfig:"HERALD_OTEL_ENDPOINT"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("herald", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called herald.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Herald Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.DeliveryQueue == "" {
		cnf.Queue.DeliveryQueue = "new:delivery"
	}
	if cnf.Queue.EventQueue == "" {
		cnf.Queue.EventQueue = "new:event"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5003"
	}

	if cnf.RateLimit.Default.WindowSec == 0 {
		cnf.RateLimit.Default.WindowSec = 60
	}
	if cnf.RateLimit.Default.MaxRequests == 0 {
		cnf.RateLimit.Default.MaxRequests = 600
	}
	if cnf.RateLimit.Default.Burst == 0 {
		cnf.RateLimit.Default.Burst = cnf.RateLimit.Default.MaxRequests
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", cnf.RateLimit.Default.Burst)
	}
	if cnf.RateLimit.Default.Scope == (model.ScopeKey{}) {
		cnf.RateLimit.Default.Scope = model.ScopeKey{Tenant: model.Wildcard, Service: model.Wildcard, Channel: model.Wildcard}
	}

	if cnf.Retry.Default.MaxAttempts == 0 {
		cnf.Retry.Default.MaxAttempts = 4
	}
	if cnf.Retry.Default.BaseDelayMs == 0 {
		cnf.Retry.Default.BaseDelayMs = 3000
	}
	if cnf.Retry.Default.BackoffFactor == 0 {
		cnf.Retry.Default.BackoffFactor = 2
	}
	if cnf.Retry.Default.MaxBackoffMs == 0 {
		cnf.Retry.Default.MaxBackoffMs = 120000
	}
	if cnf.Retry.Default.AttemptTimeoutMs == 0 {
		cnf.Retry.Default.AttemptTimeoutMs = 30000
	}

	if cnf.CircuitBreaker.FailureThreshold == 0 {
		cnf.CircuitBreaker.FailureThreshold = 5
	}
	if cnf.CircuitBreaker.BreakDurationSec == 0 {
		cnf.CircuitBreaker.BreakDurationSec = 60
	}

	for i := range cnf.Budget.CostTable {
		if cnf.Budget.CostTable[i].BillableOn == "" {
			// email providers report delivery, SMS billing happens on send
			if cnf.Budget.CostTable[i].Channel == model.ChannelEmail {
				cnf.Budget.CostTable[i].BillableOn = model.BillableOnDelivery
			} else {
				cnf.Budget.CostTable[i].BillableOn = model.BillableOnSend
			}
		}
	}

	if cnf.Delivery.SyncTimeoutMs == 0 {
		cnf.Delivery.SyncTimeoutMs = 2000
	}
	if cnf.Delivery.BatchWorkers == 0 {
		cnf.Delivery.BatchWorkers = 10
	}

	for scope, providers := range cnf.Providers {
		if !model.ValidChannel(scope) {
			return errors.New("unknown provider channel: " + scope)
		}
		for i := range providers {
			if providers[i].TimeoutSec == 0 {
				providers[i].TimeoutSec = 15
			}
		}
	}

	// HTTP edge rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.HTTPRateLimit.RequestsPerSecond != nil && cnf.HTTPRateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.HTTPRateLimit.RequestsPerSecond)
		cnf.HTTPRateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.HTTPRateLimit.RequestsPerSecond == nil && cnf.HTTPRateLimit.Burst != nil {
		defaultRPS := float64(*cnf.HTTPRateLimit.Burst) / 2
		cnf.HTTPRateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.HTTPRateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.HTTPRateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// CostFor returns the cost-table entry for a channel. Channels absent from
// the table are zero-cost and never billed.
func (cnf *Configuration) CostFor(channel string) (model.ChannelCost, bool) {
	for _, c := range cnf.Budget.CostTable {
		if c.Channel == channel {
			return c, true
		}
	}
	return model.ChannelCost{}, false
}

// ProvidersFor returns the ordered gateway configs for a channel, primary
// first.
func (cnf *Configuration) ProvidersFor(channel string) []ProviderConfig {
	return cnf.Providers[channel]
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
