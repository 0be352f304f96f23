/*
Package servicebus is the Jitney bus: it routes commands to their single owner, fans events out
to subscribed endpoints and dispatches received messages to the handlers bounded contexts
registered at startup.

A bus is assembled with a Builder:

	b := servicebus.NewBuilder().
		DefineLocalEndpointAddress("orders").
		AddBoundedContext(ordering.Context{}).
		SetSubscriptionStore(store)
	b.MapContracts(ordering.PlaceOrder{}, ordering.OrderPlaced{}).ToMe()
	b.Register(func(c *codec.EnvelopeCodec) (cbus.Provider, error) {
		return transport.NewPollingProvider(inmemory.New(), c), nil
	})

	bus, err := b.Build()
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Close()
*/
package servicebus
