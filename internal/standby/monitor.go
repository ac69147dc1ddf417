package standby

import (
	"time"

	"go.uber.org/zap"
)

type MonitorConfig struct {
	ConversationTimeout time.Duration
	LowPowerTimeout     time.Duration
	// OnConversationIdle fires when an Active session saw no speech events.
	OnConversationIdle ExpireFunc
	// OnLowPower fires when the device stayed Idle with no chat activity.
	OnLowPower ExpireFunc
	Logger     *zap.Logger
}

// Monitor holds the two idle watches: conversation standby (Active only) and
// low-power standby (Idle only).
type Monitor struct {
	Conversation *Watch
	LowPower     *Watch
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.ConversationTimeout <= 0 {
		cfg.ConversationTimeout = 60 * time.Second
	}
	if cfg.LowPowerTimeout <= 0 {
		cfg.LowPowerTimeout = 120 * time.Second
	}
	return &Monitor{
		Conversation: NewWatch("conversation", cfg.ConversationTimeout, cfg.OnConversationIdle, cfg.Logger),
		LowPower:     NewWatch("low_power", cfg.LowPowerTimeout, cfg.OnLowPower, cfg.Logger),
	}
}

// Stop cancels and joins both watches.
func (m *Monitor) Stop() {
	m.Conversation.Stop()
	m.LowPower.Stop()
}
