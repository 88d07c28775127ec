// Package service builds PKCS#11 crypt services from the declarative
// configuration, selecting the backend per module type.
package service

import (
	"sync"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/p11/emulator"
	"github.com/xipki/commons/pkg/p11/hsmproxy"
	"github.com/xipki/commons/pkg/p11/native"
	"github.com/xipki/commons/pkg/password"
)

// Options carries backend dependencies the configuration cannot express.
type Options struct {
	// Transport connects hsmproxy modules to their server. Required for
	// modules of type hsmproxy.
	Transport hsmproxy.Transport
}

// NewModule builds the module the configuration describes.
func NewModule(conf *p11.ModuleConf, opts Options) (p11.Module, error) {
	switch conf.Type() {
	case native.Type:
		return native.NewModule(conf)
	case emulator.Type:
		return emulator.NewModule(conf)
	case hsmproxy.Type:
		return hsmproxy.NewModule(conf, opts.Transport)
	default:
		return nil, p11.Errorf("unknown module type %q", conf.Type())
	}
}

// CryptService exposes the slots of one loaded module.
type CryptService struct {
	module p11.Module
}

// NewCryptService wraps a loaded module.
func NewCryptService(module p11.Module) *CryptService {
	return &CryptService{module: module}
}

// Module returns the underlying module.
func (s *CryptService) Module() p11.Module {
	return s.module
}

// SlotIDs lists the identifiers of all slots.
func (s *CryptService) SlotIDs() []p11.SlotID {
	return s.module.SlotIDs()
}

// Slot returns the slot with the given identifier.
func (s *CryptService) Slot(slotID p11.SlotID) (p11.Slot, error) {
	return s.module.Slot(slotID)
}

// SlotForIndex returns the slot at the given index.
func (s *CryptService) SlotForIndex(index int) (p11.Slot, error) {
	slotID, err := s.module.SlotIDForIndex(index)
	if err != nil {
		return nil, err
	}
	return s.module.Slot(slotID)
}

// Close closes the module.
func (s *CryptService) Close() {
	s.module.Close()
}

// Factory builds and caches one CryptService per configured module.
type Factory struct {
	conf     *p11.Conf
	resolver password.Resolver
	opts     Options

	mu       sync.Mutex
	services map[string]*CryptService
}

// NewFactory returns a factory over the configuration. The resolver may be
// nil.
func NewFactory(conf *p11.Conf, resolver password.Resolver, opts Options) *Factory {
	return &Factory{
		conf:     conf,
		resolver: resolver,
		opts:     opts,
		services: map[string]*CryptService{},
	}
}

// Service returns the crypt service of the named module, building it on
// first use.
func (f *Factory) Service(moduleName string) (*CryptService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if service, ok := f.services[moduleName]; ok {
		return service, nil
	}

	var spec *p11.ModuleConfSpec
	for i := range f.conf.Modules {
		if f.conf.Modules[i].Name == moduleName {
			spec = &f.conf.Modules[i]
			break
		}
	}
	if spec == nil {
		return nil, p11.Errorf("unknown module %q", moduleName)
	}

	moduleConf, err := p11.BuildModuleConf(spec, f.conf.MechanismSets, f.resolver)
	if err != nil {
		return nil, err
	}
	module, err := NewModule(moduleConf, f.opts)
	if err != nil {
		return nil, err
	}

	service := NewCryptService(module)
	f.services[moduleName] = service
	return service, nil
}

// Close closes every built service.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, service := range f.services {
		service.Close()
		delete(f.services, name)
	}
}
