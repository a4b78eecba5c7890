package google

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// TokenSink receives the tokens obtained from a completed consent flow.
type TokenSink interface {
	SaveInitialTokens(ctx context.Context, accessToken, refreshToken string) error
}

// HandleCallback exchanges the authorization code and hands the tokens to sink.
func HandleCallback(clientID, clientSecret string, sink TokenSink, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		if state != GetStateToken() {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}

		config := GetOAuthConfig(clientID, clientSecret, callbackURL(r))
		token, err := config.Exchange(r.Context(), code)
		if err != nil {
			log.WithError(err).Warn("oauth code exchange failed")
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}
		if token.RefreshToken == "" {
			http.Error(w, "Google did not return a refresh token; revoke access and try again", http.StatusBadGateway)
			return
		}

		if err := sink.SaveInitialTokens(r.Context(), token.AccessToken, token.RefreshToken); err != nil {
			log.WithError(err).Error("failed to store oauth tokens")
			http.Error(w, "Failed to save tokens", http.StatusInternalServerError)
			return
		}
		log.Info("google business profile connected")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<meta http-equiv="refresh" content="3;url=/api/gmb/status">
	<title>Connected</title>
</head>
<body>
	<h1>Google My Business connected</h1>
	<p>The first post is scheduled in 12 hours.</p>
</body>
</html>`)
	}
}
