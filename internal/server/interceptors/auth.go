package interceptors

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"civic-platform/backend/internal/platform/httpjson"
)

const bearerPrefix = "bearer "

// AccessValidator validates an access token and returns the session and user it was issued for.
// *security.TokenProvider implements it.
type AccessValidator interface {
	ValidateAccess(token string) (sessionID, userID string, err error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer (access) token
// from gRPC metadata and sets user_id and session_id in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token.
func AuthUnary(tokens AccessValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		public := publicMethods[info.FullMethod]
		userCtx, ok := authenticate(ctx, tokens, bearerFromMetadata(ctx))
		if !ok {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(userCtx, req)
	}
}

// AuthHTTP returns HTTP middleware with the same rules as AuthUnary: requests whose path is in
// publicPaths pass without a token, every other request needs a valid Bearer token.
func AuthHTTP(tokens AccessValidator, publicPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			base := WithClientIP(r.Context(), hostOnly(r.RemoteAddr))
			ctx, ok := authenticate(base, tokens, parseBearer(r.Header.Get("Authorization")))
			if !ok {
				if publicPaths[r.URL.Path] {
					next.ServeHTTP(w, r.WithContext(base))
					return
				}
				httpjson.Error(w, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(ctx context.Context, tokens AccessValidator, token string) (context.Context, bool) {
	if token == "" || tokens == nil {
		return ctx, false
	}
	sessionID, userID, err := tokens.ValidateAccess(token)
	if err != nil || userID == "" {
		return ctx, false
	}
	return WithIdentity(ctx, userID, sessionID), true
}

// bearerFromMetadata returns the Bearer token from ctx metadata, or "" if missing or malformed.
func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return parseBearer(vals[0])
}

func parseBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
