package model

import "time"

// Event types published to subscribers (WebSocket clients).
const (
	EventSettlementCompleted = "settlement_completed"
	EventSettlementFailed    = "settlement_failed"
	EventVestingProcessed    = "vesting_processed"
	EventOptionsExercised    = "options_exercised"
	EventDividendDistributed = "dividend_distributed"
)

// Event is a notification about a state change in the engine.
type Event struct {
	Type      string    `json:"type"`
	Program   ProgramID `json:"program,omitempty"`
	PeriodID  string    `json:"period_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Publish(Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}
