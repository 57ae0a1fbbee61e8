package bitbucket

import (
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// AuthScheme identifies the credential type attached to outgoing requests.
type AuthScheme string

const (
	// AuthBearer sends `Authorization: Bearer <token>`.
	AuthBearer AuthScheme = "bearer"
	// AuthBasic sends HTTP basic credentials.
	AuthBasic AuthScheme = "basic"
)

// Credentials holds exactly one of a token or a username/password pair.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Scheme validates the credentials and reports the single active scheme.
func (c Credentials) Scheme() (AuthScheme, error) {
	token := strings.TrimSpace(c.Token)
	username := strings.TrimSpace(c.Username)
	hasBasic := username != "" || c.Password != ""

	switch {
	case token != "" && hasBasic:
		return "", &ConfigurationError{Reason: "token and username/password are mutually exclusive"}
	case token != "":
		return AuthBearer, nil
	case username != "" && c.Password != "":
		return AuthBasic, nil
	case hasBasic:
		return "", &ConfigurationError{Reason: "basic auth requires both username and password"}
	default:
		return "", &ConfigurationError{Reason: "either token or username/password must be provided"}
	}
}

// NewAuthenticatedHTTPClient wraps base with the transport for the active auth scheme.
func NewAuthenticatedHTTPClient(creds Credentials, base http.RoundTripper) (*http.Client, AuthScheme, error) {
	scheme, err := creds.Scheme()
	if err != nil {
		return nil, "", err
	}
	if base == nil {
		base = http.DefaultTransport
	}

	switch scheme {
	case AuthBearer:
		source := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: strings.TrimSpace(creds.Token),
			TokenType:   "Bearer",
		})
		return &http.Client{Transport: &oauth2.Transport{Source: source, Base: base}}, scheme, nil
	default:
		return &http.Client{Transport: &basicAuthTransport{
			username: strings.TrimSpace(creds.Username),
			password: creds.Password,
			base:     base,
		}}, scheme, nil
	}
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(cloned)
}
