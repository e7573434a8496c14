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
package gateway

import (
	"github.com/heraldhq/herald/config"
)

// Router holds the configured gateways per channel in failover order.
type Router struct {
	gateways map[string][]Gateway
	secrets  map[string]string
}

// NewRouter builds HTTP gateways from the provider configuration. The slice
// order in config is the failover order.
func NewRouter(providers map[string][]config.ProviderConfig) *Router {
	r := &Router{
		gateways: make(map[string][]Gateway),
		secrets:  make(map[string]string),
	}
	for channel, cfgs := range providers {
		for _, cfg := range cfgs {
			r.gateways[channel] = append(r.gateways[channel], NewHTTPGateway(channel, cfg))
			if cfg.WebhookSecret != "" {
				r.secrets[cfg.Name] = cfg.WebhookSecret
			}
		}
	}
	return r
}

// Register appends a gateway as the last failover candidate for its channel.
func (r *Router) Register(g Gateway) {
	r.gateways[g.Channel()] = append(r.gateways[g.Channel()], g)
}

// Candidates returns the gateways for a channel, primary first.
func (r *Router) Candidates(channel string) []Gateway {
	return r.gateways[channel]
}

// WebhookSecret returns the shared secret for verifying a provider's
// delivery-report callbacks.
func (r *Router) WebhookSecret(provider string) (string, bool) {
	s, ok := r.secrets[provider]
	return s, ok
}

// Providers lists every configured (channel, provider) pair. Used by the
// admin surface to validate breaker reset targets.
func (r *Router) Providers() map[string][]string {
	out := make(map[string][]string, len(r.gateways))
	for channel, gws := range r.gateways {
		for _, g := range gws {
			out[channel] = append(out[channel], g.Name())
		}
	}
	return out
}
