// Package defaults collects the timing and port constants shared by the
// tunnel server and client so both sides agree without importing each other.
package defaults

import "time"

const (
	// ControlPort is the fixed TCP port clients dial to reach the server's
	// control plane. The original sources disagreed (client 12267, server
	// 7835); this implementation unifies on the server's value.
	ControlPort = 7835

	// MinPort and MaxPort bound the public ports handed out by the registry's
	// port-claim protocol.
	MinPort = 2000
	MaxPort = 65000

	// PortClaimAttempts is the number of random ports probed before a claim
	// gives up.
	PortClaimAttempts = 150
)

const (
	// HandshakeTimeout bounds how long a side waits for the next expected
	// handshake message (Challenge / Authenticate / Hello).
	HandshakeTimeout = 5 * time.Second

	// HeartbeatInterval is both the server's heartbeat cadence and the
	// maximum time it waits for an inbound connection before heartbeating
	// again.
	HeartbeatInterval = 500 * time.Millisecond

	// PendingReapTimeout is how long an accepted inbound connection is held
	// for the client before it is dropped.
	PendingReapTimeout = 10 * time.Second

	// ReconnectDelay is how long the client sleeps between reconnect
	// attempts when running with Reconnect enabled.
	ReconnectDelay = 3 * time.Second
)
