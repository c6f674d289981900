package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

// RefreshRequest is the body of POST /auth/refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// User is the subset of the account profile the core relies on.
// Role is left as the raw string; the auth package interprets it.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// UnmarshalJSON accepts the id under "id", "_id" or "userId", and a role
// given either as a string or as the first entry of a "roles" array.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, key := range []string{"id", "_id", "userId"} {
		if id := scalarString(raw[key]); id != "" {
			u.ID = id
			break
		}
	}

	if role, ok := raw["role"].(string); ok {
		u.Role = role
	} else if roles, ok := raw["roles"].([]any); ok && len(roles) > 0 {
		u.Role = scalarString(roles[0])
	}

	return nil
}

// AuthPayload is the token material returned by login and refresh.
type AuthPayload struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

// authFields mirrors the spellings the backend has used for tokens.
type authFields struct {
	AccessToken       string `json:"accessToken"`
	AccessTokenSnake  string `json:"access_token"`
	Token             string `json:"token"`
	RefreshToken      string `json:"refreshToken"`
	RefreshTokenSnake string `json:"refresh_token"`
	User              *User  `json:"user"`
}

func (f authFields) payload() AuthPayload {
	return AuthPayload{
		AccessToken:  firstNonEmpty(f.AccessToken, f.AccessTokenSnake, f.Token),
		RefreshToken: firstNonEmpty(f.RefreshToken, f.RefreshTokenSnake),
		User:         f.User,
	}
}

// envelope is the success/failure wrapper most endpoints return.
type envelope struct {
	Success    *bool           `json:"success"`
	StatusCode *int            `json:"statusCode"`
	Message    any             `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// message flattens the envelope message, which is sometimes a list.
func (e envelope) message() string {
	switch m := e.Message.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprint(m)
	}
}

// succeeded applies the accepted success signals: an explicit success flag,
// a 2xx statusCode, or a message mentioning success. Any one of them is
// enough. Without an explicit flag or statusCode, the HTTP status decides.
func (e envelope) succeeded(httpStatus int) bool {
	if e.Success != nil && *e.Success {
		return true
	}
	if e.StatusCode != nil && *e.StatusCode >= 200 && *e.StatusCode < 300 {
		return true
	}
	msg := strings.ToLower(e.message())
	if strings.Contains(msg, "success") && !strings.Contains(msg, "unsuccess") {
		return true
	}
	if e.Success != nil || e.StatusCode != nil {
		return false
	}
	return httpStatus >= 200 && httpStatus < 300
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// scalarString renders JSON strings and numbers as identifiers.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
