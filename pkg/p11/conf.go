package p11

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xipki/commons/internal/logging"
	"github.com/xipki/commons/pkg/password"
)

var log = logging.MustGetLogger("p11")

// Module types accepted in the configuration.
const (
	ModuleTypeNative   = "native"
	ModuleTypeEmulator = "emulator"
	ModuleTypeHSMProxy = "hsmproxy"
)

const defaultMaxMessageSize = 16384

// Conf is the declarative PKCS#11 configuration.
type Conf struct {
	Modules       []ModuleConfSpec   `yaml:"modules"`
	MechanismSets []MechanismSetSpec `yaml:"mechanismSets"`
}

// ModuleConfSpec is the raw per-module configuration.
type ModuleConfSpec struct {
	Name              string              `yaml:"name"`
	Type              string              `yaml:"type"`
	NativeLibraries   []NativeLibrarySpec `yaml:"nativeLibraries"`
	Readonly          bool                `yaml:"readonly"`
	User              string              `yaml:"user"`
	UserName          string              `yaml:"userName"`
	MaxMessageSize    int                 `yaml:"maxMessageSize"`
	NumSessions       int                 `yaml:"numSessions"`
	NewSessionTimeout int                 `yaml:"newSessionTimeout"`
	SecretKeyTypes    []string            `yaml:"secretKeyTypes"`
	KeyPairTypes      []string            `yaml:"keyPairTypes"`
	IncludeSlots      []SlotSpec          `yaml:"includeSlots"`
	ExcludeSlots      []SlotSpec          `yaml:"excludeSlots"`
	MechanismFilters  []MechanismFilterSpec `yaml:"mechanismFilters"`
	PasswordSets      []PasswordSetSpec   `yaml:"passwordSets"`
	NewObjectConf     *NewObjectConfSpec  `yaml:"newObjectConf"`
}

// NativeLibrarySpec selects the native library per operating system.
type NativeLibrarySpec struct {
	Path             string   `yaml:"path"`
	OperationSystems []string `yaml:"operationSystems"`
}

// SlotSpec selects a slot by index and/or id. The id accepts an optional
// 0x prefix.
type SlotSpec struct {
	Index *int    `yaml:"index"`
	ID    *string `yaml:"id"`
}

// MechanismSetSpec is a named set of mechanisms. The literal entry "ALL" in
// Mechanisms accepts every mechanism.
type MechanismSetSpec struct {
	Name              string   `yaml:"name"`
	Mechanisms        []string `yaml:"mechanisms"`
	ExcludeMechanisms []string `yaml:"excludeMechanisms"`
}

// MechanismFilterSpec binds a mechanism set to slots.
type MechanismFilterSpec struct {
	Slots        []SlotSpec `yaml:"slots"`
	MechanismSet string     `yaml:"mechanismSet"`
}

// PasswordSetSpec binds a password list to slots.
type PasswordSetSpec struct {
	Slots     []SlotSpec `yaml:"slots"`
	Passwords []string   `yaml:"passwords"`
}

// NewObjectConfSpec configures defaults for auto-generated attributes.
type NewObjectConfSpec struct {
	IgnoreLabel bool `yaml:"ignoreLabel"`
	IDLength    *int `yaml:"idLength"`
}

// LoadConf reads and parses a YAML configuration file.
func LoadConf(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read PKCS#11 config file: %w", err)
	}

	var conf Conf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("could not parse PKCS#11 config: %w", err)
	}
	return &conf, nil
}

// ModuleConf is the validated configuration of one PKCS#11 module.
// Immutable after construction.
type ModuleConf struct {
	name              string
	typ               string
	nativeLibrary     string
	readOnly          bool
	userType          uint64
	userTypeName      string
	userName          string
	maxMessageSize    int
	numSessions       int
	newSessionTimeout int
	secretKeyTypes    []uint64
	keyPairTypes      []uint64

	includeSlots []*SlotIDFilter
	excludeSlots []*SlotIDFilter

	mechanismFilter   *MechanismFilter
	passwordRetriever *PasswordRetriever
	newObjectConf     NewObjectConf
}

type mechanismSet struct {
	include []string // nil accepts all
	exclude []string
}

// BuildModuleConf validates the raw module configuration against the named
// mechanism sets and returns the immutable ModuleConf. The resolver may be
// nil; passwords are then used verbatim.
func BuildModuleConf(spec *ModuleConfSpec, mechanismSets []MechanismSetSpec,
	resolver password.Resolver) (*ModuleConf, error) {
	if spec == nil {
		return nil, &InvalidConfError{Msg: "spec must not be nil"}
	}

	conf := &ModuleConf{
		name:              spec.Name,
		typ:               spec.Type,
		readOnly:          spec.Readonly,
		userName:          spec.UserName,
		numSessions:       spec.NumSessions,
		newSessionTimeout: spec.NewSessionTimeout,
		newObjectConf:     DefaultNewObjectConf(),
	}

	// user type: uppercased, resolvable, never the security officer
	userTypeName := strings.ToUpper(strings.TrimSpace(spec.User))
	if userTypeName == "" {
		userTypeName = "CKU_USER"
	}
	userType, ok := UserTypeCode(userTypeName)
	if !ok {
		return nil, &InvalidConfError{Msg: "unknown user type " + userTypeName}
	}
	if userType == CKU_SO {
		return nil, &InvalidConfError{Msg: "CKU_SO is not allowed, too dangerous"}
	}
	conf.userType = userType
	conf.userTypeName = userTypeName

	conf.maxMessageSize = spec.MaxMessageSize
	if conf.maxMessageSize == 0 {
		conf.maxMessageSize = defaultMaxMessageSize
	}
	if conf.maxMessageSize < 256 {
		return nil, &InvalidConfError{Msg: fmt.Sprintf("invalid maxMessageSize (< 256): %d", conf.maxMessageSize)}
	}

	conf.secretKeyTypes = toKeyTypes(spec.SecretKeyTypes)
	conf.keyPairTypes = toKeyTypes(spec.KeyPairTypes)

	// named mechanism sets
	setsByName := make(map[string]*mechanismSet, len(mechanismSets))
	for _, m := range mechanismSets {
		if _, dup := setsByName[m.Name]; dup {
			return nil, &InvalidConfError{Msg: "duplicated mechanismSet named " + m.Name}
		}

		set := &mechanismSet{include: []string{}}
		for _, mech := range m.Mechanisms {
			mech = strings.ToUpper(strings.TrimSpace(mech))
			if mech == "ALL" {
				set.include = nil // accept all mechanisms
				break
			}
			set.include = append(set.include, mech)
		}
		for _, mech := range m.ExcludeMechanisms {
			set.exclude = append(set.exclude, strings.ToUpper(strings.TrimSpace(mech)))
		}
		setsByName[m.Name] = set
	}

	conf.mechanismFilter = &MechanismFilter{}
	for _, filterSpec := range spec.MechanismFilters {
		slots, err := toSlotIDFilters(filterSpec.Slots)
		if err != nil {
			return nil, err
		}
		set, ok := setsByName[filterSpec.MechanismSet]
		if !ok {
			return nil, &InvalidConfError{Msg: fmt.Sprintf("mechanismSet %q is not defined", filterSpec.MechanismSet)}
		}
		conf.mechanismFilter.AddEntry(slots, set.include, set.exclude)
	}

	conf.passwordRetriever = &PasswordRetriever{}
	if len(spec.PasswordSets) > 0 {
		conf.passwordRetriever.SetResolver(resolver)
		for _, pwdSpec := range spec.PasswordSets {
			slots, err := toSlotIDFilters(pwdSpec.Slots)
			if err != nil {
				return nil, err
			}
			conf.passwordRetriever.AddPasswordEntry(slots, pwdSpec.Passwords)
		}
	}

	var err error
	if conf.includeSlots, err = toSlotIDFilters(spec.IncludeSlots); err != nil {
		return nil, err
	}
	if conf.excludeSlots, err = toSlotIDFilters(spec.ExcludeSlots); err != nil {
		return nil, err
	}

	// select the native library for the current OS: the first entry whose
	// OS list contains the current OS name, or whose OS list is empty
	osName := strings.ToLower(runtime.GOOS)
	for _, lib := range spec.NativeLibraries {
		if len(lib.OperationSystems) == 0 {
			conf.nativeLibrary = lib.Path
			break
		}
		matched := false
		for _, entry := range lib.OperationSystems {
			if strings.Contains(osName, strings.ToLower(entry)) {
				matched = true
				break
			}
		}
		if matched {
			conf.nativeLibrary = lib.Path
			break
		}
	}
	if conf.nativeLibrary == "" && spec.Type == ModuleTypeNative {
		return nil, &InvalidConfError{Msg: "could not find PKCS#11 library for OS " + osName}
	}

	if spec.NewObjectConf != nil {
		conf.newObjectConf.IgnoreLabel = spec.NewObjectConf.IgnoreLabel
		if spec.NewObjectConf.IDLength != nil {
			conf.newObjectConf.IDLength = *spec.NewObjectConf.IDLength
		}
	}

	return conf, nil
}

// toKeyTypes resolves key-type strings, dropping unparseable entries with a
// warning.
func toKeyTypes(strs []string) []uint64 {
	if strs == nil {
		return nil
	}
	types := make([]uint64, 0, len(strs))
	for _, s := range strs {
		code, ok := parseKeyType(s)
		if !ok {
			log.Warnf("ignored unparseable key type %q", s)
			continue
		}
		types = append(types, code)
	}
	return types
}

func toSlotIDFilters(specs []SlotSpec) ([]*SlotIDFilter, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	filters := make([]*SlotIDFilter, 0, len(specs))
	for _, spec := range specs {
		var id *uint64
		if spec.ID != nil {
			str := strings.TrimSpace(*spec.ID)
			var v uint64
			var err error
			if strings.HasPrefix(strings.ToUpper(str), "0X") {
				v, err = strconv.ParseUint(str[2:], 16, 64)
			} else {
				v, err = strconv.ParseUint(str, 10, 64)
			}
			if err != nil {
				return nil, &InvalidConfError{Msg: fmt.Sprintf("invalid slotId %q", str)}
			}
			id = &v
		}
		if spec.Index == nil && id == nil {
			return nil, &InvalidConfError{Msg: "at least one of index and id must be present in a slot filter"}
		}
		filters = append(filters, &SlotIDFilter{Index: spec.Index, ID: id})
	}
	return filters, nil
}

// Name returns the logical module name.
func (c *ModuleConf) Name() string { return c.name }

// Type returns the module type (native, emulator or hsmproxy).
func (c *ModuleConf) Type() string { return c.typ }

// NativeLibrary returns the selected native library path. For the emulator
// it holds the base directory.
func (c *ModuleConf) NativeLibrary() string { return c.nativeLibrary }

// IsReadOnly reports whether mutating operations are forbidden.
func (c *ModuleConf) IsReadOnly() bool { return c.readOnly }

// UserType returns the resolved CKU_* code used to log in.
func (c *ModuleConf) UserType() uint64 { return c.userType }

// UserTypeName returns the configured CKU_* name.
func (c *ModuleConf) UserTypeName() string { return c.userTypeName }

// UserName returns the login identity, when the token needs one.
func (c *ModuleConf) UserName() string { return c.userName }

// MaxMessageSize bounds the size of one PKCS#11 message.
func (c *ModuleConf) MaxMessageSize() int { return c.maxMessageSize }

// NumSessions returns the session-pool size, 0 for the default.
func (c *ModuleConf) NumSessions() int { return c.numSessions }

// NewSessionTimeout returns the session wait timeout in milliseconds, 0 for
// the default.
func (c *ModuleConf) NewSessionTimeout() int { return c.newSessionTimeout }

// SecretKeyTypes returns the allow-list of secret key types, nil for all.
func (c *ModuleConf) SecretKeyTypes() []uint64 { return c.secretKeyTypes }

// KeyPairTypes returns the allow-list of keypair types, nil for all.
func (c *ModuleConf) KeyPairTypes() []uint64 { return c.keyPairTypes }

// MechanismFilter returns the per-slot mechanism policy.
func (c *ModuleConf) MechanismFilter() *MechanismFilter { return c.mechanismFilter }

// PasswordRetriever returns the per-slot password policy.
func (c *ModuleConf) PasswordRetriever() *PasswordRetriever { return c.passwordRetriever }

// NewObjectConf returns the defaults for newly created objects.
func (c *ModuleConf) NewObjectConf() NewObjectConf { return c.newObjectConf }

// IsSlotIncluded applies the include and exclude slot filters.
func (c *ModuleConf) IsSlotIncluded(slotID SlotID) bool {
	included := len(c.includeSlots) == 0
	for _, f := range c.includeSlots {
		if f.Match(slotID) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, f := range c.excludeSlots {
		if f.Match(slotID) {
			return false
		}
	}
	return true
}
