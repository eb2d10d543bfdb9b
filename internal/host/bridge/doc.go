// Package bridge implements host.Host over a connected browser agent.
//
// The agent is a browser extension that owns the tabs. It connects either
// with a WebSocket to the server's bridge endpoint, or through the
// native-messaging relay, which forwards 4-byte little-endian
// length-prefixed frames over a Unix socket. Both transports carry the same
// JSON envelopes: the host sends requests and the agent answers each with a
// reply carrying the request id, and pushes signal envelopes for open
// watches.
package bridge
