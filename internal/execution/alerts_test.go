package execution

import (
	"errors"
	"fmt"
	"testing"
)

func TestAlertLogBounded(t *testing.T) {
	l := NewAlertLog(nil)
	for i := 0; i < maxAlerts+20; i++ {
		l.Raise(AlertExecutionError, SeverityWarning, fmt.Sprintf("alert %d", i), nil)
	}

	alerts := l.List(false)
	if len(alerts) != maxAlerts {
		t.Fatalf("Expected %d alerts, got %d", maxAlerts, len(alerts))
	}
	if alerts[0].Message != fmt.Sprintf("alert %d", maxAlerts+19) {
		t.Errorf("Expected newest first, got %s", alerts[0].Message)
	}
	if alerts[len(alerts)-1].Message != "alert 20" {
		t.Errorf("Expected oldest dropped, got %s", alerts[len(alerts)-1].Message)
	}
}

func TestAlertAcknowledgeAndClear(t *testing.T) {
	l := NewAlertLog(nil)
	a := l.Raise(AlertSafety, SeverityCritical, "tripped", nil)
	l.Raise(AlertSafety, SeverityInfo, "recovered", nil)

	if err := l.Acknowledge(a.ID); err != nil {
		t.Fatalf("Expected ack, got %v", err)
	}
	if err := l.Acknowledge("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Expected ErrAlertNotFound, got %v", err)
	}
	if n := len(l.List(true)); n != 1 {
		t.Errorf("Expected 1 unacknowledged, got %d", n)
	}

	l.Clear()
	if n := len(l.List(false)); n != 0 {
		t.Errorf("Expected empty log, got %d", n)
	}
}
