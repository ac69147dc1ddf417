package device

import "time"

// Indicator is one status light.
type Indicator interface {
	On() error
	Off() error
	Blink(on, off time.Duration) error
}

// Rail switches the indicator supply. While disabled indicators stay dark.
type Rail interface {
	EnableAll() error
	DisableAll() error
	Enabled() bool
}

// Power exposes charge and sleep controls around active sessions.
type Power interface {
	AllowAutoSleep(allow bool) error
	SetCharging(enabled bool) error
}

// Blink patterns used by the session lifecycle.
var (
	BlinkConnecting = [2]time.Duration{50 * time.Millisecond, 50 * time.Millisecond}
	BlinkIdle       = [2]time.Duration{250 * time.Millisecond, 250 * time.Millisecond}
)
