package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestMatchesEventName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"notification", true},
		{"NEW_NOTIFICATION", true},
		{"inboxUpdated", true},
		{"unreadCount", true},
		{"promo-alert", false},
		{"typing", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesEventName(tt.name), tt.name)
	}
}

func TestIsNotificationShape(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"mongo id and title", `{"_id":"n1","title":"Hi"}`, true},
		{"id and message", `{"id":"n1","message":"m"}`, true},
		{"notificationId and body", `{"notificationId":"n1","body":"b"}`, true},
		{"numeric id and content", `{"id":7,"content":"c"}`, true},
		{"subject only", `{"_id":"n1","subject":"Pickup tomorrow"}`, true},
		{"heading only", `{"id":"n1","heading":"Deposit returned"}`, true},
		{"text only", `{"id":"n1","text":"Your listing is live"}`, true},
		{"no id", `{"title":"Hi"}`, false},
		{"blank title", `{"id":"n1","title":"  "}`, false},
		{"no text", `{"id":"n1","isRead":false}`, false},
		{"array", `[{"id":"n1","title":"Hi"}]`, false},
		{"string", `"n1"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotificationShape(decode(t, tt.payload)))
		})
	}
}

func TestNormalize_FieldVariants(t *testing.T) {
	n, ok := Normalize(decode(t, `{
		"notificationId": "n1",
		"subject": "Hello",
		"body": "World",
		"is_read": "true",
		"created_at": "2026-03-01T10:00:00Z",
		"updated_at": 1772359200000,
		"data": {"orderId": "o-9"}
	}`))
	require.True(t, ok)

	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, "Hello", n.Title)
	assert.Equal(t, "World", n.Message)
	assert.True(t, n.IsRead)
	assert.True(t, n.CreatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1772359200000), n.UpdatedAt.UnixMilli())
	assert.Equal(t, map[string]any{"orderId": "o-9"}, n.Data)
}

func TestNormalize_RequiresID(t *testing.T) {
	_, ok := Normalize(decode(t, `{"title":"x"}`))
	assert.False(t, ok)
	_, ok = Normalize("n1")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		payload   string
		wantID    string
		wantOK    bool
		wantShape bool
	}{
		{
			name:      "shape match without keyword",
			event:     "promo-alert",
			payload:   `{"_id":"n2","title":"Sale","message":"20% off"}`,
			wantID:    "n2",
			wantOK:    true,
			wantShape: true,
		},
		{
			name:      "wrapped shape",
			event:     "pushed",
			payload:   `{"notification":{"id":"n3","message":"m"}}`,
			wantID:    "n3",
			wantOK:    true,
			wantShape: true,
		},
		{
			name:    "name match with bare id",
			event:   "newNotification",
			payload: `{"data":{"id":"n4"}}`,
			wantID:  "n4",
			wantOK:  true,
		},
		{
			name:    "name match without id",
			event:   "unreadCount",
			payload: `{"count":3}`,
		},
		{
			name:    "unrelated",
			event:   "typing",
			payload: `{"user":"u1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cand, ok := Classify(tt.event, decode(t, tt.payload))
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantID, cand.Notification.ID)
			assert.Equal(t, tt.wantShape, cand.ShapeMatched)
			assert.Equal(t, MatchesEventName(tt.event), cand.NameMatched)
		})
	}
}

func TestFindNotificationArray(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantLen int
	}{
		{"flat array", `[{"_id":"a","title":"t"},{"_id":"b","title":"t"}]`, 2},
		{"double data", `{"statusCode":200,"data":{"data":[{"_id":"n1","title":"Hi"}]}}`, 1},
		{"notifications key", `{"result":{"notifications":[{"id":"a","message":"m"}]}}`, 1},
		{"array wrapped", `[[{"id":"a","message":"m"}]]`, 1},
		{"skips arrays without shapes", `{"data":{"tags":["x"],"items":[{"id":"a","title":"t"}]}}`, 1},
		{"preferred key first", `{"aaa":[{"id":"x","title":"t"},{"id":"y","title":"t"}],"docs":[{"id":"a","title":"t"}]}`, 1},
		{"too deep", `{"a":{"b":{"c":{"d":{"e":{"f":[{"id":"a","title":"t"}]}}}}}}`, 0},
		{"depth five", `{"a":{"b":{"c":{"d":{"e":[{"id":"a","title":"t"}]}}}}}`, 1},
		{"nothing", `{"statusCode":200,"data":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, FindNotificationArray(decode(t, tt.payload)), tt.wantLen)
		})
	}
}

func TestExtractNotifications_DropsInvalid(t *testing.T) {
	list := ExtractNotifications(decode(t, `{"data":[
		{"_id":"a","title":"t","isRead":true},
		{"title":"no id"},
		"junk",
		{"id":"b","message":"m"}
	]}`))

	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.True(t, list[0].IsRead)
	assert.Equal(t, "b", list[1].ID)

	empty := ExtractNotifications(decode(t, `{"message":"oops"}`))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestIDFrom(t *testing.T) {
	assert.Equal(t, "n1", idFrom("n1"))
	assert.Equal(t, "n2", idFrom(decode(t, `{"_id":"n2"}`)))
	assert.Equal(t, "n3", idFrom(decode(t, `{"notificationId":"n3"}`)))
	assert.Empty(t, idFrom(decode(t, `[1]`)))
}
