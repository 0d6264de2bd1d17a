// Package sessionguard keeps a bearer-token session alive for an API client.
//
// A Client persists the token through a pluggable key/value backend,
// refreshes it ahead of expiry with at most one refresh in flight across
// goroutines and processes, backs off after failed refreshes, and guards
// the refresh endpoint with a windowed circuit breaker. Requests that come
// back 401 are retried exactly once through a refresh.
//
//	cfg := sessionguard.DefaultConfig()
//	cfg.BaseURL = "https://api.example.com"
//	client, err := sessionguard.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	if err := client.Login(ctx, "/auth/login", creds); err != nil {
//		return err
//	}
//	resp, err := client.Get(ctx, "/projects")
//	if sessionguard.IsUnauthorized(err) {
//		// log in again
//	}
package sessionguard
