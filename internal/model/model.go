package model

import (
	"time"
)

// Protocol tags carried on sessions and listener bindings.
const (
	ProtocolSSH    = "ssh"
	ProtocolFTP    = "ftp"
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolMySQL  = "mysql"
	ProtocolSMB    = "smb"
	ProtocolModbus = "modbus"
)

// CloseReason records why a session was sealed.
type CloseReason string

const (
	CloseClientClosed CloseReason = "client-closed"
	CloseClientError  CloseReason = "client-error"
	CloseIdleTimeout  CloseReason = "idle-timeout"
	ClosePolicyCap    CloseReason = "policy-cap"
	CloseServerError  CloseReason = "server-error"
	CloseServerStop   CloseReason = "server-stop"
	CloseServerCrash  CloseReason = "server-crash"
)

// Session is one attacker conversation over one accepted connection.
// Created on accept, sealed exactly once on close, immutable thereafter.
type Session struct {
	ID             string      `json:"id"`
	Protocol       string      `json:"protocol"`
	OriginIP       string      `json:"origin_ip"`
	OriginPort     int         `json:"origin_port"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
	BytesIn        int64       `json:"bytes_in"`
	BytesOut       int64       `json:"bytes_out"`
	ActionCount    int         `json:"action_count"`
	FinalSuspicion float64     `json:"final_suspicion"`
	Detected       bool        `json:"detected"`
	Reason         CloseReason `json:"reason,omitempty"`
}

// Annotation is a MITRE ATT&CK triple attached to an action during
// enrichment. Any field may be empty when the framework has no entry at
// that level.
type Annotation struct {
	Tactic       string `json:"tactic"`
	Technique    string `json:"technique"`
	SubTechnique string `json:"sub_technique,omitempty"`
}

// ActionRecord is one observable attacker behaviour within a session.
// Identified by (SessionID, Step); Step is a 1-based dense counter.
type ActionRecord struct {
	SessionID      string      `json:"session_id"`
	Step           int         `json:"step"`
	Timestamp      time.Time   `json:"timestamp"`
	Kind           string      `json:"action_kind"`
	Payload        []byte      `json:"payload,omitempty"`
	SuspicionDelta float64     `json:"suspicion_delta"`
	Annotation     *Annotation `json:"annotation,omitempty"`
}

// EventKind discriminates event stream records.
type EventKind string

const (
	EventSessionOpen    EventKind = "session-open"
	EventRawAction      EventKind = "raw-action"
	EventEnrichedAction EventKind = "enriched-action"
	EventSessionClose   EventKind = "session-close"
	EventAlert          EventKind = "alert"
)

// Stream names, one logical stream per event kind plus a dead-letter
// stream for messages that exhaust their delivery budget.
const (
	StreamSessionOpen  = "events.session.open"
	StreamRawAction    = "events.raw"
	StreamEnriched     = "events.enriched"
	StreamSessionClose = "events.session.close"
	StreamAlert        = "events.alert"
	StreamDeadLetter   = "events.dead"
)

// StreamFor maps an event kind to its stream name.
func StreamFor(kind EventKind) string {
	switch kind {
	case EventSessionOpen:
		return StreamSessionOpen
	case EventRawAction:
		return StreamRawAction
	case EventEnrichedAction:
		return StreamEnriched
	case EventSessionClose:
		return StreamSessionClose
	default:
		return StreamAlert
	}
}

// SessionOpenEvent is the wire shape published when a session is opened.
type SessionOpenEvent struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	Protocol   string    `json:"protocol"`
	OriginIP   string    `json:"origin_ip"`
	OriginPort int       `json:"origin_port"`
	StartTime  time.Time `json:"start_time"`
}

// RawActionEvent is the wire shape published for every appended action.
type RawActionEvent struct {
	Kind           EventKind `json:"kind"`
	SessionID      string    `json:"session_id"`
	Step           int       `json:"step"`
	ActionKind     string    `json:"action_kind"`
	PayloadB64     string    `json:"payload_b64"`
	SuspicionDelta float64   `json:"suspicion_delta"`
	Timestamp      time.Time `json:"timestamp"`
}

// EnrichedActionEvent is a raw action plus its MITRE triple. The triple
// fields are null when no classification rule matched, and the Error tag
// is set when the classifier failed on the input.
type EnrichedActionEvent struct {
	Kind           EventKind `json:"kind"`
	SessionID      string    `json:"session_id"`
	Step           int       `json:"step"`
	ActionKind     string    `json:"action_kind"`
	PayloadB64     string    `json:"payload_b64"`
	SuspicionDelta float64   `json:"suspicion_delta"`
	Timestamp      time.Time `json:"timestamp"`
	Tactic         *string   `json:"tactic"`
	Technique      *string   `json:"technique"`
	SubTechnique   *string   `json:"sub_technique"`
	Error          string    `json:"error,omitempty"`
}

// SessionCloseEvent is the wire shape published when a session is sealed.
type SessionCloseEvent struct {
	Kind           EventKind   `json:"kind"`
	SessionID      string      `json:"session_id"`
	EndTime        time.Time   `json:"end_time"`
	BytesIn        int64       `json:"bytes_in"`
	BytesOut       int64       `json:"bytes_out"`
	ActionCount    int         `json:"action_count"`
	FinalSuspicion float64     `json:"final_suspicion"`
	Detected       bool        `json:"detected"`
	Reason         CloseReason `json:"reason"`
}

// AlertEvent is published for operator-facing conditions: lure access,
// dead-letter moves, store degradation, startup.
type AlertEvent struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	AlertKind string    `json:"alert_kind"`
	Severity  string    `json:"severity"`
	Detail    string    `json:"detail"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)
