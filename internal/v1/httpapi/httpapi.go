// Package httpapi wires the plain-HTTP surface of the signaling service:
// room-ID minting, TURN credential exchange, diagnostic token minting,
// and the static device-check page.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/metrics"
	"github.com/agatx/serenada/internal/v1/originguard"
	"github.com/agatx/serenada/internal/v1/tokenstore"
	"github.com/agatx/serenada/internal/v1/turncred"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const diagnosticTokenTTL = 5 * time.Second

// API holds the dependencies behind the plain-HTTP endpoints.
type API struct {
	minter *ids.RoomIDMinter
	tokens *tokenstore.Store
	guard  *originguard.Guard

	turnHost   string
	turnSecret string

	devicePage []byte
}

// New builds an API bound to its dependencies. devicePage is the raw HTML
// served at GET /device-check.
func New(minter *ids.RoomIDMinter, tokens *tokenstore.Store, guard *originguard.Guard, turnHost, turnSecret string, devicePage []byte) *API {
	return &API{
		minter:     minter,
		tokens:     tokens,
		guard:      guard,
		turnHost:   turnHost,
		turnSecret: turnSecret,
		devicePage: devicePage,
	}
}

// RoomID handles POST /api/room-id: mint a fresh room id, no auth but
// still gated by origin per §4.3.
func (a *API) RoomID(c *gin.Context) {
	if !a.guard.Allow(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	rid, err := a.minter.Mint()
	if err != nil {
		if errors.Is(err, ids.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room id minting not configured"})
			return
		}
		logging.Error(c.Request.Context(), "httpapi: room id mint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": rid})
}

// TurnCredentials handles POST /api/turn-credentials: validate the
// caller's relay-credential token and, if valid, assemble TURN
// credentials from the configured TURN secret.
func (a *API) TurnCredentials(c *gin.Context) {
	if !a.guard.Allow(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	token := c.GetHeader("X-Turn-Token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing relay token"})
		return
	}

	rec, err := a.tokens.Consume(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired relay token"})
		return
	}

	creds := turncred.Assemble(a.turnHost, a.turnSecret, token[:min(len(token), 16)], time.Until(rec.ExpiresAt))
	c.JSON(http.StatusOK, creds)
}

// DiagnosticToken handles POST /api/diagnostic-token: mint a short-lived
// diagnostic-kind relay token, intended only for the device-check page's
// TURN reachability probe. Callers apply rate limiting separately.
func (a *API) DiagnosticToken(c *gin.Context) {
	if !a.guard.Allow(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	token, expiresAt, err := a.tokens.Issue(c.ClientIP(), diagnosticTokenTTL, tokenstore.KindDiagnostic)
	if err != nil {
		logging.Error(c.Request.Context(), "httpapi: diagnostic token mint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	metrics.TokensIssued.WithLabelValues(string(tokenstore.KindDiagnostic)).Inc()
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

// DeviceCheck handles GET /device-check: serves the static diagnostic
// page used to probe camera/mic/TURN reachability before joining a call.
func (a *API) DeviceCheck(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", a.devicePage)
}
