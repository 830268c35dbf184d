// ABOUTME: Security scanner classifying tool schemas, tool responses, and agent messages
// ABOUTME: Pattern matching with remove/neutralize/block sanitization and append-only alerting

package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// ErrPayloadBlocked is returned when a payload is refused in block mode.
var ErrPayloadBlocked = errors.New("payload blocked")

// PayloadClass identifies what kind of payload is being scanned.
type PayloadClass string

const (
	ClassToolSchema   PayloadClass = "tool_schema"
	ClassToolResponse PayloadClass = "tool_response"
	ClassAgentMessage PayloadClass = "agent_message"
)

// Mode is a sanitization policy applied to a matched payload.
type Mode string

const (
	// ModeRemove strips the offending substrings and passes the remainder.
	ModeRemove Mode = "remove"
	// ModeNeutralize replaces offending substrings with an inert marker.
	ModeNeutralize Mode = "neutralize"
	// ModeBlock refuses to deliver the payload at all.
	ModeBlock Mode = "block"
)

// RuleMatch is one rule hit inside a payload.
type RuleMatch struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Excerpt  string `json:"excerpt"`
}

// ScanResult is the classification of one payload. Severity is the highest
// severity among all matches; all individual matches are retained.
type ScanResult struct {
	Class    PayloadClass
	Matches  []RuleMatch
	Severity string // empty when clean
}

// Clean reports whether no rule matched.
func (r *ScanResult) Clean() bool {
	return len(r.Matches) == 0
}

var severityRank = map[string]int{
	store.SeverityLow:      1,
	store.SeverityMedium:   2,
	store.SeverityHigh:     3,
	store.SeverityCritical: 4,
}

// Origin identifies where a scanned payload came from, for alert attribution.
type Origin struct {
	AgentID string // optional
	Tool    string // optional
}

// Scanner classifies text payloads against the rule set. Scanning is
// side-effect-free beyond alert logging: it never mutates task or lock state.
type Scanner struct {
	rules  []Rule
	store  store.Store
	bus    *events.Bus
	floor  int // minimum severity rank persisted as an alert
	logger *slog.Logger
}

// NewScanner creates a scanner with the given rules. Alerts at or above
// reportingFloor severity are persisted and published; st and bus may be nil
// for pure classification.
func NewScanner(rules []Rule, st store.Store, bus *events.Bus, reportingFloor string) *Scanner {
	floor, ok := severityRank[reportingFloor]
	if !ok {
		floor = severityRank[store.SeverityMedium]
	}
	return &Scanner{
		rules:  rules,
		store:  st,
		bus:    bus,
		floor:  floor,
		logger: slog.Default().With("component", "security"),
	}
}

// Scan classifies a payload and records an alert when warranted. The payload
// itself is never modified; use Sanitize or Inspect for that.
func (s *Scanner) Scan(ctx context.Context, class PayloadClass, payload string, origin Origin) *ScanResult {
	result := &ScanResult{Class: class}

	for i := range s.rules {
		rule := &s.rules[i]
		if !rule.appliesTo(class) {
			continue
		}
		loc := rule.Pattern.FindStringIndex(payload)
		if loc == nil {
			continue
		}
		result.Matches = append(result.Matches, RuleMatch{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Excerpt:  excerpt(payload, loc[0], loc[1]),
		})
		if severityRank[rule.Severity] > severityRank[result.Severity] {
			result.Severity = rule.Severity
		}
	}

	if !result.Clean() {
		s.recordAlert(ctx, result, origin)
	}
	return result
}

// excerpt returns the matched substring clipped to a readable length.
func excerpt(payload string, start, end int) string {
	const maxExcerpt = 120
	if end-start > maxExcerpt {
		end = start + maxExcerpt
	}
	return payload[start:end]
}

// recordAlert persists and publishes an alert if the result's severity is at
// or above the reporting floor.
func (s *Scanner) recordAlert(ctx context.Context, result *ScanResult, origin Origin) {
	if severityRank[result.Severity] < s.floor {
		return
	}

	details, err := json.Marshal(result.Matches)
	if err != nil {
		details = []byte("[]")
	}

	alert := &store.SecurityAlert{
		ID:        uuid.New().String(),
		Severity:  result.Severity,
		Message:   fmt.Sprintf("%s matched %d rule(s) in %s payload", result.Matches[0].Rule, len(result.Matches), result.Class),
		Details:   string(details),
		CreatedAt: time.Now().UTC(),
	}
	if origin.AgentID != "" {
		alert.AgentID = &origin.AgentID
	}
	if origin.Tool != "" {
		alert.Tool = &origin.Tool
	}

	s.logger.Warn("security alert",
		"severity", alert.Severity,
		"class", result.Class,
		"rules", len(result.Matches),
		"agent_id", origin.AgentID,
	)

	if s.store != nil {
		if err := s.store.SaveSecurityAlert(ctx, alert); err != nil {
			s.logger.Error("failed to persist security alert", "error", err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeSecurityAlert, map[string]any{
			"alert_id": alert.ID,
			"severity": alert.Severity,
			"class":    string(result.Class),
		})
	}
}

// Sanitize applies a sanitization mode to a payload given its scan result.
// A clean result passes the payload through unchanged in any mode.
func (s *Scanner) Sanitize(payload string, result *ScanResult, mode Mode) (string, error) {
	if result.Clean() {
		return payload, nil
	}

	switch mode {
	case ModeBlock:
		return "", fmt.Errorf("%w: severity %s", ErrPayloadBlocked, result.Severity)
	case ModeRemove, ModeNeutralize:
		out := payload
		for i := range s.rules {
			rule := &s.rules[i]
			if !rule.appliesTo(result.Class) {
				continue
			}
			if mode == ModeRemove {
				out = rule.Pattern.ReplaceAllString(out, "")
			} else {
				out = rule.Pattern.ReplaceAllString(out, "[redacted:"+rule.Name+"]")
			}
		}
		return strings.TrimSpace(out), nil
	default:
		return "", fmt.Errorf("unknown sanitization mode %q", mode)
	}
}

// Inspect scans a payload and applies the mode in one step, returning the
// deliverable payload. Block-mode failures surface as ErrPayloadBlocked.
func (s *Scanner) Inspect(ctx context.Context, class PayloadClass, payload string, mode Mode, origin Origin) (string, *ScanResult, error) {
	result := s.Scan(ctx, class, payload, origin)
	sanitized, err := s.Sanitize(payload, result, mode)
	if err != nil {
		return "", result, err
	}
	return sanitized, result, nil
}
