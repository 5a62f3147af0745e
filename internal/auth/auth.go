// Package auth implements just enough of the OAuth2 client-credentials
// contract (spec §6) to exercise the connector/client handshake: a
// token issuer the manager runs, and a token fetcher the gateway client
// uses before dialing the channel. Neither is a production identity
// provider; a real deployment points ClientCredentials at an external
// token endpoint instead.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreiot/gatewaysync/internal/gwerrors"
)

// TokenTTL is how long an issued access token remains valid.
const TokenTTL = time.Hour

// Credentials is a clientId/clientSecret pair minted when a gateway
// asset is created (spec §3 "Gateway asset").
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// NewCredentials mints a fresh clientId/clientSecret pair.
func NewCredentials() Credentials {
	return NewCredentialsFor(uuid.NewString())
}

// NewCredentialsFor mints a fresh secret for a caller-chosen clientID,
// used when the client id must equal some other identifier already in
// play (spec §3: the gateway asset's own id doubles as its OAuth2
// client id, so token validation resolves a connection straight to its
// connector without a second lookup table).
func NewCredentialsFor(clientID string) Credentials {
	return Credentials{
		ClientID:     clientID,
		ClientSecret: uuid.NewString() + uuid.NewString(),
	}
}

type issuedToken struct {
	clientID string
	expires  time.Time
}

// TokenIssuer is the manager side of the client-credentials grant: it
// validates a clientId/clientSecret pair and issues bearer tokens,
// then validates those tokens on channel upgrade.
type TokenIssuer struct {
	mu     sync.RWMutex
	creds  map[string]string // clientID -> clientSecret
	tokens map[string]issuedToken
}

// NewTokenIssuer returns an empty issuer.
func NewTokenIssuer() *TokenIssuer {
	return &TokenIssuer{
		creds:  make(map[string]string),
		tokens: make(map[string]issuedToken),
	}
}

// Register enrolls a gateway's credentials so it can later authenticate.
func (t *TokenIssuer) Register(creds Credentials) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds[creds.ClientID] = creds.ClientSecret
}

// Revoke removes a gateway's credentials and any outstanding tokens for
// it, used on gateway asset deletion (spec §4.4).
func (t *TokenIssuer) Revoke(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.creds, clientID)
	for tok, it := range t.tokens {
		if it.clientID == clientID {
			delete(t.tokens, tok)
		}
	}
}

// Issue performs the client-credentials grant: on a matching
// clientId/clientSecret it returns a bearer token, else
// gwerrors.AuthFailed.
func (t *TokenIssuer) Issue(clientID, clientSecret string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	want, ok := t.creds[clientID]
	if !ok || want != clientSecret {
		return "", gwerrors.New(gwerrors.AuthFailed, "invalid client credentials")
	}
	token := uuid.NewString()
	t.tokens[token] = issuedToken{clientID: clientID, expires: time.Now().Add(TokenTTL)}
	return token, nil
}

// Validate returns the clientID bound to token, or gwerrors.AuthFailed
// if the token is unknown or expired.
func (t *TokenIssuer) Validate(token string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.tokens[token]
	if !ok || time.Now().After(it.expires) {
		return "", gwerrors.New(gwerrors.AuthFailed, "invalid or expired token")
	}
	return it.clientID, nil
}

// ClientCredentials is the gateway-side token fetcher: it performs the
// client-credentials grant before every (re)dial of the channel (spec
// §4.5, §6). When Issuer is set (same-process tests, or a reverse
// gateway-client connection looping back into this manager) the grant
// is a direct call; otherwise it is an HTTP POST to TokenURL, the
// manager's `/auth/realms/<realm>/protocol/openid-connect/token`.
type ClientCredentials struct {
	Issuer       *TokenIssuer
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Token fetches a fresh bearer token.
func (c ClientCredentials) Token() (string, error) {
	if c.Issuer != nil {
		return c.Issuer.Issue(c.ClientID, c.ClientSecret)
	}
	return c.tokenOverHTTP()
}

func (c ClientCredentials) tokenOverHTTP() (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
	}
	resp, err := http.Post(c.TokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.AuthFailed, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", gwerrors.New(gwerrors.AuthFailed, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", gwerrors.Wrap(gwerrors.AuthFailed, "malformed token response", err)
	}
	return body.AccessToken, nil
}
