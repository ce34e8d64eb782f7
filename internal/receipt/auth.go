package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Authenticator resolves an access token to an allowed e-mail address
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// GoogleAuthenticator checks Google OAuth access tokens against the
// tokeninfo and userinfo endpoints, then against an allow-list
type GoogleAuthenticator struct {
	clientID string
	allowed  []string
	opts     []option.ClientOption
}

// NewGoogleAuthenticator creates an authenticator. An empty clientID skips the
// audience check and an empty allow-list admits every verified address.
// opts are appended to every API client, mostly to point tests at a fake server.
func NewGoogleAuthenticator(clientID string, allowedEmails []string, opts ...option.ClientOption) *GoogleAuthenticator {
	allowed := make([]string, 0, len(allowedEmails))
	for _, e := range allowedEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			allowed = append(allowed, e)
		}
	}
	return &GoogleAuthenticator{clientID: clientID, allowed: allowed, opts: opts}
}

// Authenticate returns the lower-cased e-mail of the token owner
func (a *GoogleAuthenticator) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if accessToken == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	anon, err := oauth2api.NewService(ctx, append([]option.ClientOption{option.WithoutAuthentication()}, a.opts...)...)
	if err != nil {
		return "", fmt.Errorf("creating oauth2 client: %w", err)
	}
	info, err := anon.Tokeninfo().AccessToken(accessToken).Context(ctx).Do()
	if err != nil {
		return "", tokenError("tokeninfo", err)
	}
	if a.clientID != "" && info.Audience != "" && info.Audience != a.clientID {
		return "", fmt.Errorf("%w: token audience mismatch", ErrUnauthorized)
	}
	if info.ExpiresIn < 0 {
		return "", fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	owner, err := oauth2api.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, a.opts...)...)
	if err != nil {
		return "", fmt.Errorf("creating oauth2 client: %w", err)
	}
	user, err := owner.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", tokenError("userinfo", err)
	}

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" || user.VerifiedEmail == nil || !*user.VerifiedEmail {
		return "", fmt.Errorf("%w: email not verified", ErrUnauthorized)
	}
	if len(a.allowed) > 0 && !slices.Contains(a.allowed, email) {
		return "", fmt.Errorf("%w: %s", ErrForbidden, email)
	}
	return email, nil
}

// tokenError maps rejected tokens to ErrUnauthorized and keeps other failures as is
func tokenError(call string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= http.StatusBadRequest && apiErr.Code < http.StatusInternalServerError {
		return fmt.Errorf("%w: %s rejected token", ErrUnauthorized, call)
	}
	return fmt.Errorf("calling %s: %w", call, err)
}

// bearerToken reads the access token from the Authorization header or the
// access_token query parameter
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}
