// Package ariparser normalizes raw JSON events from the Stasis event
// socket into a typed ParsedEvent. It has no dependency on any other
// component of the worker.
package ariparser

import (
	"encoding/json"
	"strings"
)

// ParsedEvent is the normalized form of a raw ARI event. Timestamp is kept
// as the string received on the wire; downstream consumers normalize it.
type ParsedEvent struct {
	EType       string
	Timestamp   string
	ChannelID   string
	ChannelName string
	BridgeID    string
	AppName     string
	AppArgs     []string
	Raw         json.RawMessage
}

type rawChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Dialplan *struct {
		AppData string `json:"app_data"`
	} `json:"dialplan"`
}

type rawBridge struct {
	ID string `json:"id"`
}

type rawEvent struct {
	Type        string      `json:"type"`
	Timestamp   string      `json:"timestamp"`
	Channel     *rawChannel `json:"channel"`
	Bridge      *rawBridge  `json:"bridge"`
	Application string      `json:"application"`
	Args        []string    `json:"args"`
}

// Parse decodes a raw event frame into a ParsedEvent. It never returns an
// error: a payload that fails to decode, or that carries no recognizable
// type, yields a ParsedEvent with EType == "", which callers are expected
// to ignore.
func Parse(raw []byte) ParsedEvent {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ParsedEvent{Raw: json.RawMessage(raw)}
	}

	pe := ParsedEvent{
		EType:     ev.Type,
		Timestamp: ev.Timestamp,
		Raw:       json.RawMessage(raw),
	}

	if ev.Channel != nil {
		pe.ChannelID = ev.Channel.ID
		pe.ChannelName = ev.Channel.Name
	}
	if ev.Bridge != nil {
		pe.BridgeID = ev.Bridge.ID
	}

	appName, appArgs := ev.Application, ev.Args
	if appName == "" && ev.Channel != nil && ev.Channel.Dialplan != nil {
		appName, appArgs = splitAppData(ev.Channel.Dialplan.AppData)
	}
	pe.AppName = appName
	pe.AppArgs = appArgs

	return pe
}

// splitAppData parses the dial-plan's app_data string, a comma-separated
// list where element 0 is the application name and the remainder are its
// arguments. Whitespace is trimmed and empty segments are dropped.
func splitAppData(appData string) (string, []string) {
	if strings.TrimSpace(appData) == "" {
		return "", nil
	}

	var parts []string
	for _, p := range strings.Split(appData, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
