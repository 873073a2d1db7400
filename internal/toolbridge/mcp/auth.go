package mcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerSignature = "x-signature"
	headerNonce     = "x-nonce"

	signatureWindow = 5 * time.Minute
)

// canonicalString is the legacy signing input without agent id or nonce.
func canonicalString(ts, method, pathname string, rawBody []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + pathname + "\n" + string(rawBody)
}

func canonicalStringV2(ts, method, pathname, agentID, nonce string, rawBody []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + pathname + "\n" + strings.TrimSpace(agentID) + "\n" + strings.TrimSpace(nonce) + "\n" + string(rawBody)
}

func signHMAC(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

type hmacVerifyResult struct {
	SessionKey string
	Signature  string
	HTTPStatus int
	Message    string
}

func unauthorized(msg string) hmacVerifyResult {
	return hmacVerifyResult{HTTPStatus: http.StatusUnauthorized, Message: msg}
}

func verifyHMAC(r *http.Request, rawBody []byte, secret []byte, now time.Time) hmacVerifyResult {
	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	if agentID == "" {
		return unauthorized("missing x-agent-id")
	}
	tsStr := strings.TrimSpace(r.Header.Get(headerTS))
	if tsStr == "" {
		return unauthorized("missing x-ts")
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	if sig == "" {
		return unauthorized("missing x-signature")
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	allowLegacy := allowLegacyHMAC()
	if nonce == "" && !allowLegacy {
		return unauthorized("missing x-nonce")
	}

	tsMS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return unauthorized("bad x-ts")
	}
	window := signatureWindow.Milliseconds()
	if d := now.UnixMilli() - tsMS; d > window || d < -window {
		return unauthorized("x-ts outside window")
	}

	if nonce != "" {
		exp := signHMAC(secret, canonicalStringV2(tsStr, r.Method, r.URL.Path, agentID, nonce, rawBody))
		if hmac.Equal([]byte(sig), []byte(exp)) {
			return hmacVerifyResult{SessionKey: agentID, Signature: sig}
		}
	}
	if allowLegacy {
		exp := signHMAC(secret, canonicalString(tsStr, r.Method, r.URL.Path, rawBody))
		if hmac.Equal([]byte(sig), []byte(exp)) {
			return hmacVerifyResult{SessionKey: agentID, Signature: sig}
		}
	}
	if nonce == "" {
		return unauthorized("missing x-nonce")
	}
	return unauthorized("bad signature")
}

// allowLegacyHMAC defaults to true outside staging and production.
func allowLegacyHMAC() bool {
	if v := strings.TrimSpace(os.Getenv("PM_MCP_HMAC_ALLOW_LEGACY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
