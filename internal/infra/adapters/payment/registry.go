// File: internal/infra/adapters/payment/registry.go
package payment

import (
	"fmt"
	"sort"
	"time"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/ports/adapter"
)

// Registry resolves gateway names from inbound URLs to adapters. The set is
// fixed at startup; there is no dynamic registration.
type Registry struct {
	gateways map[string]adapter.PaymentGateway
}

// BuildRegistry constructs adapters for every enabled gateway in cfg. A
// gateway that is enabled but misconfigured fails startup rather than
// failing its first payment.
func BuildRegistry(cfg config.PaymentsConfig, tokens TokenCache, dev bool) (*Registry, error) {
	r := &Registry{gateways: make(map[string]adapter.PaymentGateway)}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	if cfg.PayTabs.Enabled {
		gw, err := NewPayTabsGateway(cfg.PayTabs, timeout)
		if err != nil {
			return nil, err
		}
		r.gateways[gw.Name()] = gw
	}
	if cfg.ZainCash.Enabled {
		gw, err := NewZainCashGateway(cfg.ZainCash, timeout)
		if err != nil {
			return nil, err
		}
		r.gateways[gw.Name()] = gw
	}
	if cfg.Stripe.Enabled {
		gw, err := NewStripeGateway(cfg.Stripe, timeout)
		if err != nil {
			return nil, err
		}
		r.gateways[gw.Name()] = gw
	}
	if cfg.QiCard.Enabled {
		gw, err := NewQiCardGateway(cfg.QiCard, timeout)
		if err != nil {
			return nil, err
		}
		r.gateways[gw.Name()] = gw
	}
	if cfg.FIB.Enabled {
		gw, err := NewFIBGateway(cfg.FIB, timeout, tokens)
		if err != nil {
			return nil, err
		}
		r.gateways[gw.Name()] = gw
	}
	if dev {
		gw := NewNoopGateway()
		r.gateways[gw.Name()] = gw
	}
	if len(r.gateways) == 0 {
		return nil, fmt.Errorf("%w: no payment gateway enabled", domain.ErrGatewayConfig)
	}
	return r, nil
}

// Resolve returns the adapter for name or domain.ErrUnknownGateway. Enabled
// state is baked in: a disabled gateway is simply absent.
func (r *Registry) Resolve(name string) (adapter.PaymentGateway, error) {
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownGateway, name)
	}
	return gw, nil
}

// Names lists the registered gateways, sorted for stable logs.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
