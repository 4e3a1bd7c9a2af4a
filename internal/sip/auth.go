package sip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
)

const (
	authRealm   = "wirepbx"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator performs SIP digest authentication against the
// extensions table. REGISTER requests are challenged with 401,
// everything else with 407. A BruteForceGuard blocks sources that keep
// failing.
type Authenticator struct {
	extensions database.ExtensionRepository
	logger     *slog.Logger
	nonces     sync.Map // nonce -> time.Time issued
	guard      *BruteForceGuard
}

// NewAuthenticator creates a digest authenticator with the given
// brute-force policy.
func NewAuthenticator(extensions database.ExtensionRepository, guard GuardConfig, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		extensions: extensions,
		logger:     logger.With("subsystem", "auth"),
		guard:      NewBruteForceGuard(guard, logger),
	}
}

// challengeStatus returns the response code and credential header names
// for a method: 401/WWW-Authenticate for REGISTER, 407/Proxy-Authenticate
// for INVITE and everything else.
func challengeStatus(method sip.RequestMethod) (int, string, string, string) {
	if method == sip.REGISTER {
		return 401, "Unauthorized", "WWW-Authenticate", "Authorization"
	}
	return 407, "Proxy Authentication Required", "Proxy-Authenticate", "Proxy-Authorization"
}

// Challenge sends a digest challenge with a fresh nonce.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    authRealm,
		Algorithm: authAlgoMD5,
	}

	code, reason, header, _ := challengeStatus(req.Method)
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(header, chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the request's digest credentials. It returns
// the matched extension, or nil after sending the appropriate response
// (challenge, 400, 403 or 500). Blocked sources are rejected with 403
// before any credential processing.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *models.Extension {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: source blocked", "source", source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	_, _, _, credHeader := challengeStatus(req.Method)
	h := req.GetHeader(credHeader)
	if h == nil {
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse credentials header",
			"error", err,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	// Unknown or expired nonces are re-challenged, not failed: clients
	// legitimately retry with a stale nonce after a restart.
	issued, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(issued.(time.Time)) > nonceExpiry {
		if ok {
			a.nonces.Delete(cred.Nonce)
		}
		a.logger.Debug("stale nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}

	ext, err := a.extensions.GetByExtension(context.Background(), cred.Username)
	if err != nil {
		a.logger.Error("failed to look up extension",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}
	if ext == nil {
		a.logger.Warn("unknown sip username",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     cred.Nonce,
		Opaque:    authRealm,
		Algorithm: authAlgoMD5,
	}

	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: ext.SIPPassword,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return nil
	}

	// Nonces are single-use.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful",
		"username", cred.Username,
		"extension", ext.Extension,
	)
	return ext
}

// CleanExpiredNonces drops stale nonces and expired blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// BruteForceGuard exposes the guard for operator visibility.
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
