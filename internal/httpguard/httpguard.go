// Package httpguard applies the transport-boundary checks shared by the HTTP
// bindings: bearer-token authorization, the security gate, and scope
// enforcement. Authorization failures take reporting precedence over origin
// failures, so an invalid token yields 401 even when the origin would also
// have been rejected.
package httpguard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/contexthost/mcprt/auth"
	"github.com/contexthost/mcprt/internal/jsonrpc"
	"github.com/contexthost/mcprt/security"
)

// Guard bundles the boundary checks. Either field may be nil to skip that
// check.
type Guard struct {
	Gate *security.Gate
	Auth *auth.ResourceServer
	Log  *slog.Logger
}

// Admit authenticates the request, runs the security gate, and enforces the
// scope gating method (pass "" when no JSON-RPC method applies, e.g. on
// stream attachment). On rejection the response is written and ok is false.
func (g *Guard) Admit(w http.ResponseWriter, r *http.Request, method string) (info *auth.TokenInfo, ok bool) {
	info = &auth.TokenInfo{}

	if g.Auth.Enabled() {
		var err error
		info, err = g.Auth.Authenticate(r.Context(), r)
		if err != nil {
			g.Auth.WriteChallenge(w, err)
			return nil, false
		}
	}

	if g.Gate != nil {
		if err := g.Gate.Check(security.InfoFromRequest(r)); err != nil {
			g.writeGateRejection(w, err)
			return nil, false
		}
	}

	if g.Auth.Enabled() && method != "" {
		if err := g.Auth.CheckScope(info, method); err != nil {
			g.Auth.WriteChallenge(w, err)
			return nil, false
		}
	}

	return info, true
}

func (g *Guard) writeGateRejection(w http.ResponseWriter, err error) {
	var versionErr *security.ProtocolVersionError
	switch {
	case errors.As(err, &versionErr):
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest,
			"Unsupported protocol version", map[string]string{
				"expected_version": versionErr.Expected,
			})
	case errors.Is(err, security.ErrOriginForbidden):
		writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "Origin not allowed", nil)
	case errors.Is(err, security.ErrRemoteAddrForbidden):
		writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "Remote address not allowed", nil)
	default:
		writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "Forbidden", nil)
	}
}

// writeRPCError shapes a transport rejection as a JSON-RPC error body with a
// null id; boundary rejections happen before any request id is known.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, message, data))
}

// MethodOf peeks at a raw JSON-RPC payload for its method name without
// running full envelope validation. Scope checks need the method before
// dispatch.
func MethodOf(body []byte) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Method
}
