package model

import "testing"

func TestNormalizeState(t *testing.T) {
	cases := []struct {
		wire string
		want State
	}{
		{"AWAITING_PLAN_APPROVAL", StateAwaitingPlanApproval},
		{"STATE_UNSPECIFIED", StateUnspecified},
		{"UNSPECIFIED", StateUnspecified},
		{"", StateUnspecified},
		{"MARS", State("mars")},
		{"IN_PROGRESS", StateInProgress},
	}
	for _, c := range cases {
		if got := NormalizeState(c.wire); got != c.want {
			t.Errorf("NormalizeState(%q) = %q, want %q", c.wire, got, c.want)
		}
	}
}

func TestDecodeSession(t *testing.T) {
	data := []byte(`{"id":"s1","state":"AWAITING_PLAN_APPROVAL","prompt":"fix bug",
		"createTime":"2025-01-01T00:00:00Z","updateTime":"2025-01-01T00:05:00Z",
		"automationMode":"AUTO_CREATE_PR",
		"outputs":[{"pullRequest":{"url":"https://x/1","title":"t"}}]}`)
	s, err := DecodeSession(data)
	if err != nil {
		t.Fatalf("DecodeSession: %v", err)
	}
	if s.State != StateAwaitingPlanApproval {
		t.Errorf("State = %q", s.State)
	}
	if s.AutomationMode != AutomationModeAutoCreatePR {
		t.Errorf("AutomationMode = %q", s.AutomationMode)
	}
	if len(s.Outputs) != 1 || s.Outputs[0].Kind != OutputPullRequest {
		t.Fatalf("Outputs = %+v", s.Outputs)
	}
	if s.Outputs[0].PullRequest.URL != "https://x/1" {
		t.Errorf("PR URL = %q", s.Outputs[0].PullRequest.URL)
	}
}
