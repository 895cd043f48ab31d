package transport

import "time"

// KeepaliveParameters configures HTTP/2 PING-based connection health
// checking. Grounded on the teacher's gateway/keepalive.go, unchanged in
// shape.
type KeepaliveParameters struct {
	// Time after which a keepalive ping is sent on the transport.
	Time time.Duration
	// Timeout for keepalive ping acknowledgement; the connection is
	// closed if none arrives.
	Timeout time.Duration
	// PermitWithoutStream, if true, sends keepalive pings even without
	// active calls.
	PermitWithoutStream bool
	// MaxPingsWithoutData bounds pings sent while no data/header frame
	// is pending.
	MaxPingsWithoutData int
}

// KeepaliveEnforcementPolicy configures server-side keepalive enforcement.
type KeepaliveEnforcementPolicy struct {
	// MinTime is the minimum interval between successive pings without
	// data/header frames; more frequent pings count as bad pings.
	MinTime time.Duration
	// PermitWithoutStream allows pings even when there are no active
	// streams.
	PermitWithoutStream bool
	// MaxPingStrikes is the number of bad pings tolerated before the
	// connection is closed. 0 means unlimited.
	MaxPingStrikes int
}

const (
	defaultTime                  = 2 * time.Hour
	defaultKeepaliveTimeoutShort = 20 * time.Second
	defaultMaxPingsWithoutData   = 2
	defaultMinTime               = 5 * time.Minute
	defaultMaxPingStrikes        = 2
	aggressiveTime               = 30 * time.Second
	aggressiveTimeout            = 10 * time.Second
)

// DefaultKeepaliveParams returns the default client-side keepalive
// parameters: ping every 2 hours, 20s ack timeout.
func DefaultKeepaliveParams() KeepaliveParameters {
	return KeepaliveParameters{
		Time:                defaultTime,
		Timeout:             defaultKeepaliveTimeoutShort,
		MaxPingsWithoutData: defaultMaxPingsWithoutData,
	}
}

// DefaultKeepaliveEnforcementPolicy returns the default server-side
// enforcement policy.
func DefaultKeepaliveEnforcementPolicy() KeepaliveEnforcementPolicy {
	return KeepaliveEnforcementPolicy{
		MinTime:        defaultMinTime,
		MaxPingStrikes: defaultMaxPingStrikes,
	}
}

// AggressiveKeepaliveParams returns keepalive parameters suited to
// environments with proxies that kill idle connections.
func AggressiveKeepaliveParams() KeepaliveParameters {
	return KeepaliveParameters{
		Time:                aggressiveTime,
		Timeout:             aggressiveTimeout,
		PermitWithoutStream: true,
		MaxPingsWithoutData: defaultMaxPingsWithoutData,
	}
}

type keepaliveConfig struct {
	clientParams      KeepaliveParameters
	enforcementPolicy KeepaliveEnforcementPolicy
}

func newKeepaliveConfig() *keepaliveConfig {
	return &keepaliveConfig{
		clientParams:      DefaultKeepaliveParams(),
		enforcementPolicy: DefaultKeepaliveEnforcementPolicy(),
	}
}
