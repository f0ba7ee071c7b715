package loki

import (
	"fmt"
	"net/http"
)

// AuthMode selects how the client authenticates against Loki.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
)

// Auth carries the configured credentials for one of the supported auth modes.
type Auth struct {
	Mode     AuthMode
	Username string
	Password string
	Token    string
}

// NewAuth validates a mode/credential combination and returns an Auth value.
func NewAuth(mode AuthMode, username, password, token string) (Auth, error) {
	switch mode {
	case "", AuthNone:
		return Auth{Mode: AuthNone}, nil
	case AuthBasic:
		if username == "" {
			return Auth{}, fmt.Errorf("loki auth: basic mode requires a username")
		}
		return Auth{Mode: AuthBasic, Username: username, Password: password}, nil
	case AuthBearer:
		if token == "" {
			return Auth{}, fmt.Errorf("loki auth: bearer mode requires a token")
		}
		return Auth{Mode: AuthBearer, Token: token}, nil
	default:
		return Auth{}, fmt.Errorf("loki auth: unknown mode %q, expected none, basic, or bearer", mode)
	}
}

// Apply attaches the configured credentials to an outbound request.
func (a Auth) Apply(req *http.Request) {
	switch a.Mode {
	case AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
}
