// Package auth resolves the identity of a caller.
//
// Credentials are tried in a fixed order:
//
//  1. Authorization: Bearer <api key>, where the key has the form
//     <key_id>_<secret> and is checked with bcrypt against the stored hash.
//  2. Authorization: Bearer <jwt>, an RS256 token whose sub claim names the
//     consumer and whose signature is checked with the consumer's public key.
//  3. X-Client-Cert-Fingerprint, the SHA-256 fingerprint of a client
//     certificate forwarded by the TLS terminator.
package auth
