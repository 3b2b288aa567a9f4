package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"

	"github.com/mtanaka/disksync/internal/appconfig"
	"github.com/mtanaka/disksync/internal/token"
)

func TestBuildLoggerDefaultLevelIsInfo(t *testing.T) {
	logger := buildLogger(appconfig.Config{LogFormat: "json"})

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLoggerDebugLevel(t *testing.T) {
	logger := buildLogger(appconfig.Config{LogLevel: "debug", LogFormat: "json"})

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLoggerErrorLevelSuppressesWarn(t *testing.T) {
	logger := buildLogger(appconfig.Config{LogLevel: "error", LogFormat: "json"})

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestFromOAuthTokenNilReturnsZeroValue(t *testing.T) {
	tok := fromOAuthToken(nil)
	assert.Equal(t, token.Token{}, tok)
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC()
	original := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}

	tok := fromOAuthToken(original)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.ExpiresAt.Equal(expiry))

	back := toOAuthToken(tok)
	assert.Equal(t, original.AccessToken, back.AccessToken)
	assert.Equal(t, original.RefreshToken, back.RefreshToken)
	assert.Equal(t, original.TokenType, back.TokenType)
	assert.True(t, back.Expiry.Equal(expiry))
}
