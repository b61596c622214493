package common

import "time"

const (
	// Defaults

	DefaultTimeout time.Duration = 30 * time.Second

	// Life-cycle consts

	// LifeCycleNetworkIdleTimeout is the quiet window that must elapse
	// with zero in-flight requests before a frame is considered network
	// idle. Without the debounce a momentary lull between back-to-back
	// requests would be reported as idle.
	LifeCycleNetworkIdleTimeout time.Duration = 500 * time.Millisecond
)
