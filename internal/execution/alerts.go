package execution

import (
	"errors"
	"sync"
	"time"

	"listing-sniper-bot/internal/events"

	"github.com/google/uuid"
)

const maxAlerts = 100

var ErrAlertNotFound = errors.New("alert not found")

type AlertType string

const (
	AlertPositionOpened   AlertType = "position_opened"
	AlertPositionClosed   AlertType = "position_closed"
	AlertStopLoss         AlertType = "stop_loss_hit"
	AlertTakeProfit       AlertType = "take_profit_hit"
	AlertExecutionError   AlertType = "execution_error"
	AlertPriceUnavailable AlertType = "price_unavailable"
	AlertEmergencyClose   AlertType = "emergency_close"
	AlertDrawdown         AlertType = "max_drawdown"
	AlertSafety           AlertType = "safety"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notification
type Alert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	PositionID   string    `json:"position_id,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// AlertLog keeps the most recent alerts, oldest dropped first
type AlertLog struct {
	mu        sync.RWMutex
	alerts    []Alert
	publisher Publisher
	now       func() time.Time
}

func NewAlertLog(publisher Publisher) *AlertLog {
	return &AlertLog{publisher: publisher, now: time.Now}
}

// Raise appends an alert and publishes it
func (l *AlertLog) Raise(t AlertType, sev Severity, msg string, pos *Position) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Message:   msg,
		Timestamp: l.now(),
	}
	if pos != nil {
		a.PositionID = pos.ID
		a.Symbol = pos.Symbol
	}

	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	if over := len(l.alerts) - maxAlerts; over > 0 {
		l.alerts = append([]Alert(nil), l.alerts[over:]...)
	}
	l.mu.Unlock()

	if l.publisher != nil {
		l.publisher.Publish(events.Event{Type: events.EventAlert, Data: a})
	}
	return a
}

// List returns alerts newest first; unackedOnly filters acknowledged ones out
func (l *AlertLog) List(unackedOnly bool) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Alert, 0, len(l.alerts))
	for i := len(l.alerts) - 1; i >= 0; i-- {
		if unackedOnly && l.alerts[i].Acknowledged {
			continue
		}
		out = append(out, l.alerts[i])
	}
	return out
}

func (l *AlertLog) Acknowledge(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.alerts {
		if l.alerts[i].ID == id {
			l.alerts[i].Acknowledged = true
			return nil
		}
	}
	return ErrAlertNotFound
}

// Clear drops every alert
func (l *AlertLog) Clear() {
	l.mu.Lock()
	l.alerts = nil
	l.mu.Unlock()
}

// Count returns the number of alerts of a type
func (l *AlertLog) Count(t AlertType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, a := range l.alerts {
		if a.Type == t {
			n++
		}
	}
	return n
}
