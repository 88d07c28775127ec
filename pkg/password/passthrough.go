package password

import (
	"fmt"

	"github.com/xipki/commons/internal/logging"
)

var log = logging.MustGetLogger("password")

const thruProtocol = "THRU"

// PassThroughResolver resolves hints of the form "THRU:password" by
// returning the payload unchanged. It exists for demonstration setups and
// must not be used in production.
type PassThroughResolver struct{}

var _ SingleResolver = (*PassThroughResolver)(nil)

// NewPassThroughResolver returns the pass-through resolver.
func NewPassThroughResolver() *PassThroughResolver {
	log.Warn("PassThroughResolver is only for demo purpose, do not use it in the production environment")
	return &PassThroughResolver{}
}

// CanResolveProtocol reports whether the protocol is "THRU".
func (r *PassThroughResolver) CanResolveProtocol(protocol string) bool {
	return protocol == thruProtocol
}

// ResolvePassword strips the "THRU:" prefix and returns the rest.
func (r *PassThroughResolver) ResolvePassword(hint string) ([]byte, error) {
	prefix := thruProtocol + ":"
	if len(hint) < len(prefix) || hint[:len(prefix)] != prefix {
		return nil, &ResolverError{Msg: fmt.Sprintf("password hint does not start with %q", prefix)}
	}
	return []byte(hint[len(prefix):]), nil
}

// ProtectPassword prepends the "THRU:" prefix.
func (r *PassThroughResolver) ProtectPassword(password []byte) (string, error) {
	return thruProtocol + ":" + string(password), nil
}
