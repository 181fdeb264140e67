// Package auth bridges the platform to Microsoft identity: the OIDC
// authorization-code flow for users, and app-level client-credentials
// tokens for admin-scoped Graph calls (group enumeration for policy
// evaluation) so per-user delegated tokens can't expire mid-sync.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

// stateSeparator joins the CSRF nonce and the post-login redirect target
// inside the OAuth state parameter.
const stateSeparator = "|"

// Bridge handles OIDC exchange and Graph lookups.
type Bridge struct {
	oauth      *oauth2.Config
	graphToken oauth2.TokenSource
	httpClient *http.Client
	retryMax   int
}

// New creates a Bridge for the given tenant.
func New(clientID, clientSecret, tenantID, redirectURL string, retryMax int) *Bridge {
	if retryMax <= 0 {
		retryMax = 3
	}
	appConfig := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Bridge{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenantID),
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
		},
		graphToken: appConfig.TokenSource(context.Background()),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryMax:   retryMax,
	}
}

// AuthCodeURL builds the login redirect. nextURL survives the round trip
// inside the state parameter.
func (b *Bridge) AuthCodeURL(nextURL string) (authURL, state string, err error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("auth.AuthCodeURL: %w", err)
	}
	state = base64.RawURLEncoding.EncodeToString(nonce) + stateSeparator + nextURL
	return b.oauth.AuthCodeURL(state), state, nil
}

// ParseState splits the state back into (nonce, next URL).
func ParseState(state string) (nonce, nextURL string, err error) {
	parts := strings.SplitN(state, stateSeparator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("auth.ParseState: malformed state")
	}
	return parts[0], parts[1], nil
}

// Exchange swaps the authorization code for tokens.
func (b *Bridge) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	token, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth.Exchange: %w", err)
	}
	return token, nil
}

// Identity is the subset of the user's claims the platform uses.
type Identity struct {
	Email  string
	Name   string
	Groups []string
}

// graphGroup is one entry of the Graph group listing.
type graphGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphList[T any] struct {
	Value    []T     `json:"value"`
	NextLink *string `json:"@odata.nextLink"`
}

// UserGroups enumerates a user's directory groups with the app token.
func (b *Bridge) UserGroups(ctx context.Context, userEmail string) ([]string, error) {
	url := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/memberOf", userEmail)
	var groups []string
	for url != "" {
		var page graphList[graphGroup]
		if err := b.graphGet(ctx, url, &page); err != nil {
			return nil, fmt.Errorf("auth.UserGroups: %w", err)
		}
		for _, g := range page.Value {
			groups = append(groups, g.ID)
		}
		url = ""
		if page.NextLink != nil {
			url = *page.NextLink
		}
	}
	return groups, nil
}

// AllGroups enumerates every directory group (id → display name).
func (b *Bridge) AllGroups(ctx context.Context) (map[string]string, error) {
	url := "https://graph.microsoft.com/v1.0/groups?$select=id,displayName"
	out := map[string]string{}
	for url != "" {
		var page graphList[graphGroup]
		if err := b.graphGet(ctx, url, &page); err != nil {
			return nil, fmt.Errorf("auth.AllGroups: %w", err)
		}
		for _, g := range page.Value {
			out[g.ID] = g.DisplayName
		}
		url = ""
		if page.NextLink != nil {
			url = *page.NextLink
		}
	}
	return out, nil
}

// GroupMembers lists member emails of one group.
func (b *Bridge) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	url := fmt.Sprintf("https://graph.microsoft.com/v1.0/groups/%s/members?$select=mail,userPrincipalName", groupID)
	type member struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	var emails []string
	for url != "" {
		var page graphList[member]
		if err := b.graphGet(ctx, url, &page); err != nil {
			return nil, fmt.Errorf("auth.GroupMembers: %w", err)
		}
		for _, m := range page.Value {
			email := m.Mail
			if email == "" {
				email = m.UserPrincipalName
			}
			if email != "" {
				emails = append(emails, email)
			}
		}
		url = ""
		if page.NextLink != nil {
			url = *page.NextLink
		}
	}
	return emails, nil
}

// graphGet issues one Graph call with the app token, making at most
// retryMax attempts in total with a one-second sleep between attempts.
func (b *Bridge) graphGet(ctx context.Context, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt < b.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		token, err := b.graphToken.Token()
		if err != nil {
			lastErr = fmt.Errorf("app token: %w", err)
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		token.SetAuthHeader(req)

		resp, err := b.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("graph returned %d", resp.StatusCode)
				return
			}
			lastErr = json.NewDecoder(resp.Body).Decode(out)
		}()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
