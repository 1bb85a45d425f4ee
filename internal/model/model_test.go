package model

import (
	"testing"
	"time"
)

func TestTaskEnums(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted} {
		if !s.Valid() {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	if TaskStatus("invalid").Valid() {
		t.Fatalf("expected invalid status to be rejected")
	}
	for _, p := range []TaskPriority{TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh} {
		if !p.Valid() {
			t.Fatalf("expected %q to be valid", p)
		}
	}
	if TaskPriority("urgent").Valid() {
		t.Fatalf("expected unknown priority to be rejected")
	}
}

func TestVerificationCode_IsValid(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	code := VerificationCode{Code: "123456", CreatedAt: created}

	if !code.IsValid(created.Add(299 * time.Second)) {
		t.Fatalf("expected code to be valid inside the window")
	}
	if code.IsValid(created.Add(300 * time.Second)) {
		t.Fatalf("expected code to expire at 300s")
	}
	if code.IsValid(created.Add(24*time.Hour + time.Second)) {
		t.Fatalf("expected code to stay expired after a day")
	}
}

func TestPendingRegistration_Expired(t *testing.T) {
	now := time.Now()
	p := PendingRegistration{ExpiresAt: now.Add(time.Minute)}
	if p.Expired(now) {
		t.Fatalf("expected pending registration to be live")
	}
	if !p.Expired(now.Add(time.Minute)) {
		t.Fatalf("expected pending registration to expire at ExpiresAt")
	}
}
