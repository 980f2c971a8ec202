// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
)

// apiCall is one provider invocation bound to a bearer access token. The
// closure captures its own results; the gate only sees the error.
type apiCall func(ctx context.Context, accessToken string) error

// refreshFunc exchanges the account's refresh token for a new token pair at
// the provider token endpoint.
type refreshFunc func(ctx context.Context, account *ConnectedAccount) (TokenPair, error)

// tokenGate wraps provider API calls with the single-retry refresh contract:
// on an expired-authorization failure the refresh token is exchanged, the new
// pair is persisted unconditionally (providers may rotate the refresh token
// itself), and the call is retried exactly once. A second consecutive
// authorization failure is terminal for the account this run.
type tokenGate struct {
	creds   CredentialStore
	refresh refreshFunc
}

func newTokenGate(creds CredentialStore, refresh refreshFunc) *tokenGate {
	return &tokenGate{creds: creds, refresh: refresh}
}

// invoke runs call with the account's current access token. The account's
// token fields are updated in place after a successful refresh so subsequent
// gated calls in the same pipeline reuse the new pair.
func (g *tokenGate) invoke(ctx context.Context, account *ConnectedAccount, call apiCall) error {
	err := call(ctx, account.AccessToken)
	if err == nil || !errors.Is(err, errAuthExpired) {
		return err
	}

	logger.With("account_id", account.ID, "platform", account.Platform).InfoContext(ctx, "access token expired, refreshing")

	tokens, refreshErr := g.refresh(ctx, account)
	if refreshErr != nil {
		return fmt.Errorf("%w: %v", errAuthFailed, refreshErr)
	}
	if tokens.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep the stored one.
		tokens.RefreshToken = account.RefreshToken
	}

	if putErr := g.creds.PutTokens(ctx, account.ID, tokens); putErr != nil {
		return putErr
	}

	account.AccessToken = tokens.AccessToken
	account.RefreshToken = tokens.RefreshToken

	return call(ctx, account.AccessToken)
}
