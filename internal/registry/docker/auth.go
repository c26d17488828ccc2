package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/registry/upstream"
)

// tokenTTL is how long a negotiated upstream bearer token is reused.
const tokenTTL = 300 * time.Second

type cachedToken struct {
	value   string
	expires time.Time
}

// client fetches from upstream registries, transparently running the
// Docker token dance: 401, Www-Authenticate parse, token service GET,
// retry with Bearer. Tokens are cached per {upstream}:{name}.
type client struct {
	http   *upstream.Client
	mu     sync.RWMutex
	tokens map[string]cachedToken
	logger *logrus.Entry
}

func newClient(timeout time.Duration, logger *logrus.Entry) *client {
	return &client{
		http:   upstream.NewClient(timeout),
		tokens: make(map[string]cachedToken),
		logger: logger,
	}
}

// fetch GETs {registryURL}/v2/{name}{subpath} with the given Accept
// values, negotiating a bearer token when the upstream demands one.
func (c *client) fetch(ctx context.Context, registryURL, name, subpath string, accept []string) (*upstream.Response, error) {
	requestURL := registryURL + "/v2/" + name + subpath
	header := http.Header{}
	for _, a := range accept {
		header.Add("Accept", a)
	}

	cacheKey := registryURL + ":" + name
	if token := c.cachedToken(cacheKey); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Get(ctx, requestURL, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		token, err := c.negotiate(ctx, resp.Header.Get("Www-Authenticate"), name)
		if err != nil {
			return nil, err
		}
		c.storeToken(cacheKey, token)
		header.Set("Authorization", "Bearer "+token)
		if resp, err = c.http.Get(ctx, requestURL, header); err != nil {
			return nil, err
		}
	}
	if !resp.OK() {
		return nil, fmt.Errorf("upstream %s returned %d for %s", registryURL, resp.StatusCode, subpath)
	}
	return resp, nil
}

// negotiate requests a pull-scoped token from the auth service named
// in the Www-Authenticate challenge.
func (c *client) negotiate(ctx context.Context, challenge, name string) (string, error) {
	realm, service := parseWWWAuthenticate(challenge)
	if realm == "" {
		return "", fmt.Errorf("upstream challenge has no realm: %q", challenge)
	}

	tokenURL := fmt.Sprintf("%s?service=%s&scope=%s",
		realm,
		url.QueryEscape(service),
		url.QueryEscape("repository:"+name+":pull"))

	resp, err := c.http.Get(ctx, tokenURL, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("token service returned %d", resp.StatusCode)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token service response carries no token")
	}
	c.logger.WithField("realm", realm).Debug("negotiated upstream token")
	return token, nil
}

func (c *client) cachedToken(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.tokens[key]; ok && time.Now().Before(entry.expires) {
		return entry.value
	}
	return ""
}

func (c *client) storeToken(key, token string) {
	c.mu.Lock()
	c.tokens[key] = cachedToken{value: token, expires: time.Now().Add(tokenTTL)}
	c.mu.Unlock()
}

// parseWWWAuthenticate extracts realm and service from a challenge of
// the form: Bearer realm="https://...",service="...",scope="...".
func parseWWWAuthenticate(header string) (realm, service string) {
	header = strings.TrimPrefix(header, "Bearer ")
	header = strings.TrimPrefix(header, "bearer ")
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "realm":
			realm = value
		case "service":
			service = value
		}
	}
	return realm, service
}
