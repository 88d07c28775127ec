// Package password resolves password hints into clear passwords.
//
// A hint is either the password itself or a string of the form
// "PROTOCOL:payload" handled by a registered SingleResolver. Passwords are
// returned as byte slices the caller owns, so they can be zeroized after use.
package password

import "fmt"

// ResolverError is returned when a password hint cannot be resolved.
type ResolverError struct {
	Msg   string
	Cause error
}

func (e *ResolverError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *ResolverError) Unwrap() error {
	return e.Cause
}

// Resolver resolves a password hint into the clear password.
type Resolver interface {
	// ResolvePassword returns a fresh buffer holding the clear password.
	ResolvePassword(hint string) ([]byte, error)
}

// SingleResolver handles hints of one protocol.
type SingleResolver interface {
	// CanResolveProtocol reports whether this resolver handles the protocol.
	CanResolveProtocol(protocol string) bool

	// ResolvePassword resolves a hint of this resolver's protocol.
	ResolvePassword(hint string) ([]byte, error)

	// ProtectPassword renders the password as a hint of this protocol.
	ProtectPassword(password []byte) (string, error)
}

// ChainResolver dispatches hints to registered SingleResolvers by protocol
// prefix. A hint without a "PROTOCOL:" prefix resolves to itself.
type ChainResolver struct {
	resolvers []SingleResolver
}

// NewChainResolver returns a resolver over the given single resolvers.
func NewChainResolver(resolvers ...SingleResolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

// Register appends a single resolver to the chain.
func (c *ChainResolver) Register(r SingleResolver) {
	c.resolvers = append(c.resolvers, r)
}

// ResolvePassword resolves the hint through the first resolver accepting its
// protocol. Hints without a protocol prefix are returned verbatim.
func (c *ChainResolver) ResolvePassword(hint string) ([]byte, error) {
	protocol := ""
	for i := 0; i < len(hint); i++ {
		ch := hint[i]
		if ch == ':' {
			protocol = hint[:i]
			break
		}
		if !(ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9') {
			break
		}
	}

	if protocol == "" {
		return []byte(hint), nil
	}

	for _, r := range c.resolvers {
		if r.CanResolveProtocol(protocol) {
			return r.ResolvePassword(hint)
		}
	}

	return nil, &ResolverError{Msg: fmt.Sprintf("could not find resolver for protocol %q", protocol)}
}

var _ Resolver = (*ChainResolver)(nil)
