// Package custody is the token custody core: it serves decrypted access
// tokens to callers, refreshing them through the external provider when they
// near expiry.
//
// Reads of still-valid tokens are lock-free and run fully in parallel. When a
// token needs refreshing, all concurrent callers for the same (user, provider)
// pair share a single refresh round-trip: one owner performs the provider
// call and the store writes, every waiter observes the same outcome.
package custody
