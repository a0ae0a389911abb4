// Package nestmq implements an MQTT v5.0 message delivery engine: the
// broker-side machinery that routes published messages to matching
// subscribers with the promised quality of service.
//
// The engine works on decoded control packets. Byte-level framing,
// TLS, and listener management live behind the PacketConn interface;
// an in-memory pipe and a msgpack-over-websocket transport are
// provided.
//
// # Components
//
//   - Broker: binds connections to sessions, dispatches packets, and
//     runs the keep-alive, will, retry and session expiry loops
//   - TopicMatcher, SubscriptionManager: wildcard subscription tree
//     with shared subscription ($share) support
//   - QoS1Tracker, QoS2Tracker: at-least-once and exactly-once flow
//     state machines
//   - SessionStore, RetainedStore: pluggable persistence, with
//     in-memory defaults and badger-backed implementations
//   - WillManager: delayed will publication with reconnect cancellation
//   - KeepAliveMonitor: 1.5x keep-alive liveness tracking
//   - FlowController: Receive Maximum quota enforcement per direction
//
// # Minimal broker
//
//	b := nestmq.NewBroker(
//		nestmq.WithLogger(nestmq.NewStdLogger(os.Stderr, nestmq.LogLevelInfo)),
//	)
//	b.Start()
//	defer b.Close()
//
//	http.Handle("/mqtt", nestmq.NewWSHandler(b))
//	http.ListenAndServe(":8883", nil)
package nestmq
