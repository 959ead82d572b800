// Package auth provides session-token authentication for campus-chat.
//
// # Tokens
//
// Sessions are HS256 JWTs signed with the configured jwt_secret. The "sub"
// claim carries the user id; "name", "role" and "managedClub" carry display
// identity. Verify validates signature and expiry; Generate mints tokens
// for local and development use. ParseUnverified reads the claims without
// the secret so clients can learn their own identity; it never gates
// access.
//
// # Middleware
//
// Middleware(verifier, users, logger) authenticates every request. The
// bearer token comes from the Authorization header or, for websocket
// upgrades, the "token" query parameter. The verified user id resolves to
// a store record when one exists (the store wins over the claims so role
// and club changes take effect immediately) and falls back to the claims
// otherwise. The resulting user lands in the request context via WithUser
// and is read back with UserFromContext.
package auth
