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

package alert

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/request"
)

// Alert is an operational event worth a human's attention: a budget
// threshold crossing, a circuit opening, or a delivery giving up after its
// final retry.
type Alert struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

const (
	KindBudgetThreshold = "budget_threshold"
	KindCircuitOpen     = "circuit_open"
	KindRetryExhausted  = "retry_exhausted"
	KindSystemError     = "system_error"
)

// EventSender forwards an alert into the outbound domain-event pipeline.
// Registered by the event layer at startup to avoid an import cycle.
type EventSender func(eventType string, payload interface{}) error

var eventSender EventSender

// RegisterEventSender wires alerts into the event pipeline.
func RegisterEventSender(sender EventSender) {
	eventSender = sender
}

// SlackNotification posts the alert to the configured Slack webhook.
func SlackNotification(a Alert) {
	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if conf.Alerting.Slack.WebhookUrl == "" {
		return
	}

	fields := ""
	for k, v := range a.Fields {
		fields += fmt.Sprintf("*%s:* %v\n", k, v)
	}
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Herald alert: %s",
					"emoji": true
				}
			},
			{
				"type": "section",
				"text": {
					"type": "mrkdwn",
					"text": "%s\n%s*Time:* %v"
				}
			}
		]
	}`, a.Kind, a.Message, fields, a.Time.Format(time.RFC822)))

	payload, err := request.ToJSONReq(&data)
	if err != nil {
		log.Println(err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, conf.Alerting.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}
	var response map[string]interface{}
	if _, err := request.Call(req, &response); err != nil {
		log.Println(err)
	}
}

// webhookNotification posts the alert as raw JSON to the configured generic
// webhook.
func webhookNotification(a Alert) {
	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if conf.Alerting.Webhook.Url == "" {
		return
	}

	payload, err := request.ToJSONReq(a)
	if err != nil {
		log.Println(err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, conf.Alerting.Webhook.Url, payload)
	if err != nil {
		log.Println(err)
		return
	}
	for k, v := range conf.Alerting.Webhook.Headers {
		req.Header.Set(k, v)
	}
	if _, err := request.Call(req, nil); err != nil {
		log.Println(err)
	}
}

// Notify logs the alert and fans it out to the configured sinks without
// blocking the caller.
func Notify(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	go func(a Alert) {
		logrus.WithField("kind", a.Kind).WithFields(a.Fields).Warn(a.Message)
		SlackNotification(a)
		webhookNotification(a)
		if eventSender != nil {
			if err := eventSender("alert."+a.Kind, a); err != nil {
				log.Println(err)
			}
		}
	}(a)
}

// NotifyError reports an unexpected system error through the alert sinks.
func NotifyError(systemError error) {
	Notify(Alert{
		Kind:    KindSystemError,
		Message: systemError.Error(),
	})
}
