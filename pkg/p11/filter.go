package p11

import (
	"sync"

	"github.com/xipki/commons/pkg/password"
)

// SlotIDFilter matches slots by index and/or id; at least one of the two
// must be present. All present fields must equal for a match.
type SlotIDFilter struct {
	Index *int
	ID    *uint64
}

// Match reports whether the filter matches slotID.
func (f *SlotIDFilter) Match(slotID SlotID) bool {
	if f.Index != nil && *f.Index != slotID.Index {
		return false
	}
	if f.ID != nil {
		return *f.ID == slotID.ID
	}
	return true
}

func matchAny(filters []*SlotIDFilter, slotID SlotID) bool {
	// a nil filter list matches every slot
	if filters == nil {
		return true
	}
	for _, f := range filters {
		if f.Match(slotID) {
			return true
		}
	}
	return false
}

// MechanismNameResolver resolves mechanism names to codes. Modules may
// implement it to resolve vendor-specific names; a nil resolver falls back
// to the built-in name table.
type MechanismNameResolver interface {
	MechanismToCode(name string) (uint64, bool)
}

// singleMechanismFilter is one ordered entry of a MechanismFilter. The
// include/exclude sets hold mechanism names; codes are resolved lazily per
// module, since some codes are vendor-specific and only the module knows
// them.
type singleMechanismFilter struct {
	slots   []*SlotIDFilter
	include []string // nil accepts all mechanisms
	exclude []string

	mu       sync.Mutex
	resolved map[MechanismNameResolver]*resolvedCodes
}

type resolvedCodes struct {
	include map[uint64]bool
	exclude map[uint64]bool
}

// nilResolverKey stands in for a nil module in the resolution cache.
type nilResolver struct{}

func (nilResolver) MechanismToCode(name string) (uint64, bool) {
	return MechanismCode(name)
}

var nilResolverKey MechanismNameResolver = nilResolver{}

func (f *singleMechanismFilter) match(slotID SlotID) bool {
	return matchAny(f.slots, slotID)
}

func (f *singleMechanismFilter) isSupported(mechanism uint64, module MechanismNameResolver) bool {
	if f.include == nil && len(f.exclude) == 0 {
		return true
	}

	key := module
	if key == nil {
		key = nilResolverKey
	}

	f.mu.Lock()
	codes, ok := f.resolved[key]
	if !ok {
		codes = &resolvedCodes{include: map[uint64]bool{}, exclude: map[uint64]bool{}}
		for _, name := range f.include {
			if code, found := key.MechanismToCode(name); found {
				codes.include[code] = true
			}
		}
		for _, name := range f.exclude {
			if code, found := key.MechanismToCode(name); found {
				codes.exclude[code] = true
			}
		}
		if f.resolved == nil {
			f.resolved = map[MechanismNameResolver]*resolvedCodes{}
		}
		f.resolved[key] = codes
	}
	f.mu.Unlock()

	if codes.exclude[mechanism] {
		return false
	}
	return f.include == nil || codes.include[mechanism]
}

// MechanismFilter decides, per slot, whether a mechanism may be used. The
// entries are consulted in insertion order; the first entry whose slot
// filters match decides. Without a matching entry the mechanism is
// permitted.
type MechanismFilter struct {
	entries []*singleMechanismFilter
}

// AddEntry appends a filter entry. An empty or nil include accepts all
// mechanisms except the excluded ones.
func (f *MechanismFilter) AddEntry(slots []*SlotIDFilter, include, exclude []string) {
	if len(include) == 0 {
		include = nil
	}
	if len(exclude) == 0 {
		exclude = nil
	}
	f.entries = append(f.entries, &singleMechanismFilter{slots: slots, include: include, exclude: exclude})
}

// IsPermitted reports whether mechanism may be used on the slot. The
// optional module resolves vendor mechanism names.
func (f *MechanismFilter) IsPermitted(slotID SlotID, mechanism uint64, module MechanismNameResolver) bool {
	for _, entry := range f.entries {
		if entry.match(slotID) {
			return entry.isSupported(mechanism, module)
		}
	}
	return true
}

// singlePasswordRetriever is one ordered entry of a PasswordRetriever.
type singlePasswordRetriever struct {
	slots     []*SlotIDFilter
	passwords []string
}

func (r *singlePasswordRetriever) getPasswords(resolver password.Resolver) ([][]byte, error) {
	if len(r.passwords) == 0 {
		return nil, nil
	}

	ret := make([][]byte, 0, len(r.passwords))
	for _, pwd := range r.passwords {
		if resolver == nil {
			ret = append(ret, []byte(pwd))
			continue
		}
		resolved, err := resolver.ResolvePassword(pwd)
		if err != nil {
			return nil, err
		}
		ret = append(ret, resolved)
	}
	return ret, nil
}

// PasswordRetriever returns, per slot, the passwords to log into the slot's
// token, resolving indirections through the injected resolver. First
// matching entry wins. The returned buffers are fresh; callers may zeroize
// them after use.
type PasswordRetriever struct {
	entries  []*singlePasswordRetriever
	resolver password.Resolver
}

// SetResolver injects the password resolver.
func (r *PasswordRetriever) SetResolver(resolver password.Resolver) {
	r.resolver = resolver
}

// Resolver returns the injected resolver, or nil.
func (r *PasswordRetriever) Resolver() password.Resolver {
	return r.resolver
}

// AddPasswordEntry appends a retriever entry.
func (r *PasswordRetriever) AddPasswordEntry(slots []*SlotIDFilter, passwords []string) {
	r.entries = append(r.entries, &singlePasswordRetriever{slots: slots, passwords: passwords})
}

// GetPassword returns the resolved passwords of the first entry matching
// slotID, or nil when no entry matches.
func (r *PasswordRetriever) GetPassword(slotID SlotID) ([][]byte, error) {
	for _, entry := range r.entries {
		if matchAny(entry.slots, slotID) {
			return entry.getPasswords(r.resolver)
		}
	}
	return nil, nil
}
