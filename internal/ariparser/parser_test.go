package ariparser

import (
	"reflect"
	"testing"
)

func TestParseStasisStartWithArgs(t *testing.T) {
	raw := []byte(`{
		"type": "StasisStart",
		"timestamp": "2026-01-01T10:00:00.000+0000",
		"channel": {"id": "C-A", "name": "PJSIP/1000-00000001"},
		"application": "pbx_ari",
		"args": ["1001"]
	}`)

	pe := Parse(raw)

	if pe.EType != "StasisStart" {
		t.Errorf("EType = %q, want StasisStart", pe.EType)
	}
	if pe.ChannelID != "C-A" {
		t.Errorf("ChannelID = %q, want C-A", pe.ChannelID)
	}
	if pe.ChannelName != "PJSIP/1000-00000001" {
		t.Errorf("ChannelName = %q", pe.ChannelName)
	}
	if pe.AppName != "pbx_ari" {
		t.Errorf("AppName = %q, want pbx_ari", pe.AppName)
	}
	if !reflect.DeepEqual(pe.AppArgs, []string{"1001"}) {
		t.Errorf("AppArgs = %v, want [1001]", pe.AppArgs)
	}
}

func TestParseFallsBackToDialplanAppData(t *testing.T) {
	raw := []byte(`{
		"type": "StasisStart",
		"channel": {
			"id": "C-B",
			"name": "PJSIP/1001-00000002",
			"dialplan": {"app_data": " pbx_ari , callee , 1001 "}
		}
	}`)

	pe := Parse(raw)

	if pe.AppName != "pbx_ari" {
		t.Errorf("AppName = %q, want pbx_ari", pe.AppName)
	}
	if !reflect.DeepEqual(pe.AppArgs, []string{"callee", "1001"}) {
		t.Errorf("AppArgs = %v, want [callee 1001]", pe.AppArgs)
	}
}

func TestParseBridgeID(t *testing.T) {
	raw := []byte(`{"type": "ChannelEnteredBridge", "channel": {"id": "C-A"}, "bridge": {"id": "B-1"}}`)

	pe := Parse(raw)
	if pe.BridgeID != "B-1" {
		t.Errorf("BridgeID = %q, want B-1", pe.BridgeID)
	}
}

func TestParseMalformedPayloadNeverErrors(t *testing.T) {
	pe := Parse([]byte(`not json at all`))
	if pe.EType != "" {
		t.Errorf("EType = %q, want empty for malformed payload", pe.EType)
	}
}

func TestParseEmptyAppData(t *testing.T) {
	raw := []byte(`{"type": "StasisStart", "channel": {"id": "C-A", "dialplan": {"app_data": ""}}}`)
	pe := Parse(raw)
	if pe.AppName != "" || len(pe.AppArgs) != 0 {
		t.Errorf("expected empty app name/args, got %q %v", pe.AppName, pe.AppArgs)
	}
}

func TestParseMissingChannel(t *testing.T) {
	raw := []byte(`{"type": "Dial"}`)
	pe := Parse(raw)
	if pe.ChannelID != "" {
		t.Errorf("ChannelID = %q, want empty", pe.ChannelID)
	}
}
