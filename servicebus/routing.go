package servicebus

import (
	"context"
	"fmt"
	"maps"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/pipeline"
)

// configuration is the immutable routing view the pipelines consult.
type configuration struct {
	local  cbus.EndpointAddress
	routes map[string]cbus.EndpointAddress
	store  cbus.SubscriptionStore
}

var _ pipeline.Configuration = (*configuration)(nil)

func newConfiguration(local cbus.EndpointAddress, routes map[string]cbus.EndpointAddress, store cbus.SubscriptionStore) *configuration {
	return &configuration{local: local, routes: maps.Clone(routes), store: store}
}

func (c *configuration) LocalEndpointAddress() (cbus.EndpointAddress, bool) {
	return c.local, !c.local.IsZero()
}

func (c *configuration) ConsumingEndpointAddress(messageType string) (cbus.EndpointAddress, error) {
	addr, ok := c.routes[messageType]
	if !ok {
		return cbus.EndpointAddress{}, fmt.Errorf("route %s: %w", messageType, berr.ErrRouteNotFound)
	}

	return addr, nil
}

func (c *configuration) SubscribedEndpointAddresses(ctx context.Context, messageType string) ([]cbus.EndpointAddress, error) {
	return c.store.Subscribers(ctx, messageType)
}
