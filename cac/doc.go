// Package cac provides a Channel Access client context for talking to EPICS process variable
// servers. It searches channel names over UDP, connects to the server that answers over one TCP
// virtual circuit per server address and priority, and dispatches every response to the request
// it answers.
//
// Key Features:
//   - Name Resolution: Searches are sent in tiers with exponential backoff, sized by a round trip
//     estimate and a slow-start congestion window.
//   - Server Liveness: Beacons are monitored per server; lost or restarted servers trigger echo
//     probes on their circuits and faster searches for unresolved channels.
//   - Circuit Management: Each circuit runs a send loop and a receive loop, a receive watchdog
//     that probes silent servers and a send watchdog that aborts stalled writes.
//   - Flow Control: Requests block while a circuit's outbound backlog is too large, and
//     subscription updates are paused when the receive side falls behind.
//   - Reconnection: Channels of a lost circuit are parked and searched again together.
//
// Creating a Context:
//   - Create a ContextConfig with `NewContextConfig()`; defaults are taken from the EPICS_CA_*
//     environment variables.
//   - Use `NewContext` to create the context and `Close` to shut it down.
//
// Channels:
//   - `CreateChannel` starts searching for a name; the connection handler is invoked when the
//     channel connects and disconnects.
//   - `ReadNotify`, `Write`, `WriteNotify` and `Subscribe` issue requests on a connected channel.
//     Subscriptions survive reconnects.
//   - `Destroy` releases the channel on the server.
//
// Usage Example:
//
//	cfg, _ := cac.NewContextConfig(cac.WithAddrList("10.0.0.255"))
//	ctx, _ := cac.NewContext(context.Background(), cfg)
//	defer ctx.Close()
//
//	ch, _ := ctx.CreateChannel("sim:temperature", 0, func(ch *cac.Channel, connected bool) {
//	    // ...
//	})
//	_, _ = ch.Subscribe(caproto.DBRDouble, 1, caproto.EventValue, func(ch *cac.Channel, t caproto.DBRType, count uint32, data []byte, err error) {
//	    // ...
//	})
//
// Callbacks are serialized by the context and must not block for long. Close must not be called
// from a callback.
package cac
