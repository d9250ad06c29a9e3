// Package derivrt is a client runtime that multiplexes JSON-over-WebSocket
// request/response and subscription traffic against a remote trading API
// modeled on the Deriv API. It provides connection pooling with
// independent reconnect loops, request/response correlation, subscription
// deduplication with reference-counted fan-out, a response cache with
// future-style lookups, and pre/post-send middleware hooks.
//
// A Client is the entry point:
//
//	c, err := derivrt.NewClient(derivrt.WithEndpoint("ws.derivws.com", "1089", "EN", ""))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Clear(context.Background())
//
//	resp, err := c.Send(ctx, map[string]any{"ping": 1})
//
// Subscriptions return a shared, reference-counted Sink:
//
//	sink, err := c.Subscribe(map[string]any{"ticks": "R_100"})
//	ch, unsubscribe := sink.Subscribe()
//	defer unsubscribe()
//	for msg := range ch {
//		// msg.Response or msg.Err
//	}
package derivrt
