package model

import "testing"

func TestDecodeActivity_AgentMessaged(t *testing.T) {
	line := []byte(`{"id":"a1","createTime":"2025-01-01T00:00:00Z","originator":"agent",
		"agentMessaged":{"message":"hello"}}`)
	a, err := DecodeActivity(line)
	if err != nil {
		t.Fatalf("DecodeActivity: %v", err)
	}
	if a.Type != ActivityAgentMessaged || a.AgentMessage != "hello" {
		t.Errorf("got type=%q message=%q", a.Type, a.AgentMessage)
	}
}

func TestDecodeActivity_UnknownTag(t *testing.T) {
	line := []byte(`{"id":"a2","createTime":"2025-01-01T00:00:00Z","originator":"system",
		"somethingNew":{"foo":"bar"}}`)
	a, err := DecodeActivity(line)
	if err != nil {
		t.Fatalf("DecodeActivity: %v", err)
	}
	if a.Type != ActivityUnknown {
		t.Errorf("Type = %q, want unknown", a.Type)
	}
	if _, ok := a.Extra["somethingNew"]; !ok {
		t.Errorf("Extra missing somethingNew: %+v", a.Extra)
	}
}

func TestDecodeActivity_BashOutputArtifactExitCode(t *testing.T) {
	line := []byte(`{"id":"a3","createTime":"2025-01-01T00:00:00Z","originator":"agent",
		"artifacts":[{"bashOutput":{"command":"ls","stdout":"","stderr":"boom","exitCode":1}},
		{"media":{"data":"Zm9v","format":"image/png"}}],
		"sessionCompleted":{}}`)
	a, err := DecodeActivity(line)
	if err != nil {
		t.Fatalf("DecodeActivity: %v", err)
	}
	if a.Type != ActivitySessionCompleted {
		t.Errorf("Type = %q", a.Type)
	}
	if len(a.Artifacts) != 2 {
		t.Fatalf("Artifacts = %+v", a.Artifacts)
	}
	bo := a.Artifacts[0].BashOutput
	if bo == nil || bo.ExitCode == nil || *bo.ExitCode != 1 {
		t.Errorf("BashOutput = %+v", bo)
	}
	if a.Artifacts[1].Kind != ArtifactMedia {
		t.Errorf("second artifact kind = %q", a.Artifacts[1].Kind)
	}
}
