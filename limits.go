package main

import "time"

// Operational limits, gathered as named constants.
const (
	// clusterCallTimeout bounds synchronous calls to occupants hosted on
	// other nodes. An unanswered call fails the whole operation rather
	// than blocking a moderator indefinitely.
	clusterCallTimeout = 5 * time.Second

	// apiShutdownTimeout is the grace period for in-flight API requests
	// during shutdown.
	apiShutdownTimeout = 5 * time.Second

	// metricsInterval is how often service counters are sampled and logged.
	metricsInterval = 30 * time.Second

	// tlsCertValidity is the lifetime of generated self-signed
	// certificates.
	tlsCertValidity = 14 * 24 * time.Hour

	// testbotInterval is how often the traffic bot posts a message.
	testbotInterval = 2 * time.Second

	// maxRoomNameLength bounds room names created through the API.
	maxRoomNameLength = 64

	// maxServiceNameLength bounds the operator-set display name.
	maxServiceNameLength = 50
)
