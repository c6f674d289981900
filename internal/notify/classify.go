package notify

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/packrent/internal/model"
)

// maxSearchDepth bounds FindNotificationArray.
const maxSearchDepth = 5

var (
	eventKeywords = []string{"notif", "inbox", "unread"}

	idKeys      = []string{"_id", "id", "notificationId"}
	titleKeys   = []string{"title", "subject", "heading"}
	messageKeys = []string{"message", "body", "content", "text"}
	readKeys    = []string{"isRead", "read", "is_read"}
	createdKeys = []string{"createdAt", "created_at", "timestamp"}
	updatedKeys = []string{"updatedAt", "updated_at"}

	// wrapperKeys are checked when a payload is not itself a notification.
	wrapperKeys = []string{"notification", "data", "payload"}

	// arrayKeys are searched first by FindNotificationArray.
	arrayKeys = []string{"data", "notifications", "items", "results", "docs", "rows", "payload"}
)

// Candidate is an inbound payload recognized as a notification.
type Candidate struct {
	Notification model.Notification
	// NameMatched is true when the event name carried a keyword.
	NameMatched bool
	// ShapeMatched is true when the payload satisfied IsNotificationShape.
	ShapeMatched bool
}

// MatchesEventName reports whether name contains a notification keyword,
// ignoring case.
func MatchesEventName(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range eventKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// IsNotificationShape reports whether v is an object with an id-like field
// and a non-empty title- or message-like field.
func IsNotificationShape(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if lookupString(m, idKeys) == "" {
		return false
	}
	for _, keys := range [][]string{titleKeys, messageKeys} {
		for _, k := range keys {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				return true
			}
		}
	}
	return false
}

// Normalize maps the field spellings seen on the wire into a Notification.
// ok is false when v is not an object or carries no id.
func Normalize(v any) (model.Notification, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return model.Notification{}, false
	}
	n := model.Notification{
		ID:        lookupString(m, idKeys),
		Title:     lookupString(m, titleKeys),
		Message:   lookupString(m, messageKeys),
		IsRead:    lookupBool(m, readKeys),
		CreatedAt: lookupTime(m, createdKeys),
		UpdatedAt: lookupTime(m, updatedKeys),
	}
	if n.ID == "" {
		return model.Notification{}, false
	}
	if data, ok := m["data"].(map[string]any); ok {
		n.Data = data
	}
	return n, true
}

// Classify decides whether an inbound event carries a notification: either
// the name matches a keyword, or the payload (or one of its wrappers) has
// the notification shape.
func Classify(eventName string, payload any) (Candidate, bool) {
	nameMatched := MatchesEventName(eventName)
	candidates := unwrap(payload)

	for _, v := range candidates {
		if !IsNotificationShape(v) {
			continue
		}
		if n, ok := Normalize(v); ok {
			return Candidate{Notification: n, NameMatched: nameMatched, ShapeMatched: true}, true
		}
	}

	if nameMatched {
		for _, v := range candidates {
			if n, ok := Normalize(v); ok {
				return Candidate{Notification: n, NameMatched: true}, true
			}
		}
	}
	return Candidate{}, false
}

// unwrap returns payload followed by the objects under its wrapper keys.
func unwrap(payload any) []any {
	out := []any{payload}
	m, ok := payload.(map[string]any)
	if !ok {
		return out
	}
	for _, k := range wrapperKeys {
		if inner, ok := m[k].(map[string]any); ok {
			out = append(out, inner)
		}
	}
	return out
}

// FindNotificationArray returns the first array, at most maxSearchDepth
// levels down, holding at least one notification-shaped element. Preferred
// keys are searched before the rest, which go in sorted order.
func FindNotificationArray(v any) []any {
	return findArray(v, 0)
}

func findArray(v any, depth int) []any {
	if depth > maxSearchDepth {
		return nil
	}

	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if IsNotificationShape(e) {
				return t
			}
		}
		for _, e := range t {
			if found := findArray(e, depth+1); found != nil {
				return found
			}
		}
	case map[string]any:
		for _, k := range arrayKeys {
			if child, ok := t[k]; ok {
				if found := findArray(child, depth+1); found != nil {
					return found
				}
			}
		}
		rest := make([]string, 0, len(t))
		for k := range t {
			if !isArrayKey(k) {
				rest = append(rest, k)
			}
		}
		sort.Strings(rest)
		for _, k := range rest {
			if found := findArray(t[k], depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func isArrayKey(k string) bool {
	for _, a := range arrayKeys {
		if a == k {
			return true
		}
	}
	return false
}

// ExtractNotifications locates the notification array in a list response and
// normalizes it. Elements without the notification shape are dropped. The
// result is never nil.
func ExtractNotifications(v any) []model.Notification {
	arr := FindNotificationArray(v)
	out := make([]model.Notification, 0, len(arr))
	for _, e := range arr {
		if !IsNotificationShape(e) {
			continue
		}
		if n, ok := Normalize(e); ok {
			out = append(out, n)
		}
	}
	return out
}

// decodePayload parses a raw event payload. Invalid JSON yields nil.
func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// idFrom reads a notification id from a bare string or an id-carrying object.
func idFrom(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return lookupString(t, idKeys)
	default:
		return ""
	}
}

func lookupString(m map[string]any, keys []string) string {
	for _, k := range keys {
		switch t := m[k].(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			return t.String()
		}
	}
	return ""
}

func lookupBool(m map[string]any, keys []string) bool {
	for _, k := range keys {
		switch t := m[k].(type) {
		case bool:
			return t
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b
			}
		case float64:
			return t != 0
		}
	}
	return false
}

func lookupTime(m map[string]any, keys []string) time.Time {
	for _, k := range keys {
		if t, ok := parseTime(m[k]); ok {
			return t
		}
	}
	return time.Time{}
}

// parseTime accepts RFC 3339 strings and epoch milliseconds, either as a
// number or as a numeric string.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}
