package auth

import "fmt"

// Gate combines key validation, permission checks and rate limiting
type Gate struct {
	auth    *Authenticator
	limiter *RateLimiter
}

// NewGate creates a gate
func NewGate(auth *Authenticator, limiter *RateLimiter) *Gate {
	return &Gate{auth: auth, limiter: limiter}
}

// Authenticator returns the gate's key store
func (g *Gate) Authenticator() *Authenticator {
	return g.auth
}

// Authorize validates key, checks perm and counts the request. The rate
// result is returned whenever the request reached the limiter, including
// when it was rejected.
func (g *Gate) Authorize(key, perm string) (*KeyInfo, RateResult, error) {
	info := g.auth.Validate(key)
	if info == nil {
		return nil, RateResult{}, ErrAuthentication
	}
	if perm != "" && !info.HasPermission(perm) {
		return info, RateResult{}, fmt.Errorf("%w: key %q lacks %q", ErrPermissionDenied, info.Name, perm)
	}

	result := g.limiter.Check(info.Key, info.RateLimit)
	if !result.Allowed {
		return info, result, &RateLimitError{Result: result}
	}
	return info, result, nil
}

// CheckRate counts one request for an already validated key
func (g *Gate) CheckRate(info *KeyInfo) RateResult {
	return g.limiter.Check(info.Key, info.RateLimit)
}
