package common

import "time"

// GotoOptions control a frame navigation started by NavigateFrame.
type GotoOptions struct {
	Referer   string
	Timeout   time.Duration
	WaitUntil []LifecycleEvent
}

// NewGotoOptions creates default navigation options: wait for the document
// load event and for the network to go idle.
func NewGotoOptions(defaultTimeout time.Duration) *GotoOptions {
	return &GotoOptions{
		Timeout:   defaultTimeout,
		WaitUntil: []LifecycleEvent{LifecycleEventLoad, LifecycleEventNetworkIdle},
	}
}

// WaitForNavigationOptions control WaitForFrameNavigation.
type WaitForNavigationOptions struct {
	Timeout   time.Duration
	WaitUntil LifecycleEvent
}

// NewWaitForNavigationOptions creates default wait-for-navigation options.
func NewWaitForNavigationOptions(defaultTimeout time.Duration) *WaitForNavigationOptions {
	return &WaitForNavigationOptions{
		Timeout:   defaultTimeout,
		WaitUntil: LifecycleEventLoad,
	}
}
