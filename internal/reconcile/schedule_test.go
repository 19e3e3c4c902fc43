package reconcile

import "testing"

func TestNewScheduler_InvalidSpec(t *testing.T) {
	e := New(nil, nil, t.TempDir())
	_, err := NewScheduler(e, "not a cron spec", Options{}, nil)
	if err == nil {
		t.Fatal("expected an error for an invalid cron spec")
	}
}

func TestNewScheduler_ValidSpec(t *testing.T) {
	e := New(nil, nil, t.TempDir())
	s, err := NewScheduler(e, "*/15 * * * *", Options{}, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s == nil {
		t.Fatal("expected a non-nil Scheduler")
	}
}
