package model

import "time"

// SignalType names a detected market condition.
type SignalType string

const (
	SignalRSIOversoldStrong   SignalType = "rsi_oversold_strong"
	SignalRSIOversoldMedium   SignalType = "rsi_oversold_medium"
	SignalRSIOversoldNormal   SignalType = "rsi_oversold_normal"
	SignalRSIOverboughtNormal SignalType = "rsi_overbought_normal"
	SignalRSIOverboughtMedium SignalType = "rsi_overbought_medium"
	SignalRSIOverboughtStrong SignalType = "rsi_overbought_strong"
	SignalEMACrossUp          SignalType = "ema_cross_up"
	SignalEMACrossDown        SignalType = "ema_cross_down"
)

// SignalEvent is an append-only record of a fired signal for one subscriber.
type SignalEvent struct {
	SubscriberID int64      `json:"subscriber_id"`
	Symbol       string     `json:"symbol"`
	Timeframe    Timeframe  `json:"timeframe"`
	Type         SignalType `json:"type"`
	Value        float64    `json:"value"`
	Price        string     `json:"price"`
	At           time.Time  `json:"at"`
}

// Priority orders notifications; lower values are delivered first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// NotificationTask is a message waiting in the dispatcher queue.
type NotificationTask struct {
	ID         string    `json:"id"`
	Recipient  int64     `json:"recipient"`
	Text       string    `json:"text"`
	ActionRef  string    `json:"action_ref,omitempty"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}
