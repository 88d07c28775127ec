package hsmproxy

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/xipki/commons/internal/logging"
	"github.com/xipki/commons/pkg/p11"
)

var log = logging.MustGetLogger("p11.hsmproxy")

// Type is the configuration value selecting this backend.
const Type = "hsmproxy"

// Transport exchanges one encoded request for one encoded response. The
// framing beyond the action tag is opaque to it.
type Transport interface {
	Send(action Action, request []byte) ([]byte, error)
}

// Module is the proxy-client module. At init it asks the server for its
// capabilities and slot list, then builds one proxy slot per remote slot.
type Module struct {
	*p11.ModuleBase
	transport   Transport
	description string

	readOnly       bool
	maxMessageSize int
}

var _ p11.Module = (*Module)(nil)

// NewModule connects the proxy module over the injected transport.
func NewModule(conf *p11.ModuleConf, transport Transport) (*Module, error) {
	if transport == nil {
		return nil, p11.Errorf("transport must not be nil")
	}

	m := &Module{
		ModuleBase:     p11.NewModuleBase(conf),
		transport:      transport,
		readOnly:       conf.IsReadOnly(),
		maxMessageSize: conf.MaxMessageSize(),
		description:    "PKCS#11 hsmproxy",
	}

	caps, err := m.moduleCaps()
	if err != nil {
		return nil, err
	}

	// the module is read-only if either side says so; the message bound
	// is the smaller of both
	newObjectConf := conf.NewObjectConf()
	if caps != nil {
		m.readOnly = m.readOnly || caps.ReadOnly
		if caps.MaxMessageSize > 0 && caps.MaxMessageSize < m.maxMessageSize {
			m.maxMessageSize = caps.MaxMessageSize
		}
		if caps.NewObjectConf != nil {
			newObjectConf = p11.NewObjectConf{
				IgnoreLabel: caps.NewObjectConf.IgnoreLabel,
				IDLength:    caps.NewObjectConf.IDLength,
			}
		}
	}

	slotIDs, err := m.slotIds()
	if err != nil {
		return nil, err
	}

	slots := make([]p11.Slot, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		if !conf.IsSlotIncluded(slotID) {
			log.Infof("skipped slot %s", slotID)
			continue
		}
		slot, err := newSlot(m, slotID, m.readOnly, conf.MechanismFilter(), newObjectConf,
			conf.SecretKeyTypes(), conf.KeyPairTypes())
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	m.SetSlots(slots)
	return m, nil
}

// Description returns the module description.
func (m *Module) Description() string {
	return m.description
}

// IsReadOnly reports the merged local/remote read-only state.
func (m *Module) IsReadOnly() bool {
	return m.readOnly
}

// MaxMessageSize is the merged local/remote bound on one message.
func (m *Module) MaxMessageSize() int {
	return m.maxMessageSize
}

// Close closes all slots. The transport is owned by the caller.
func (m *Module) Close() {
	log.Infof("close PKCS#11 module: %s", m.Name())
	m.CloseSlots()
}

// send issues one request for a slot and returns the raw typed payload.
func (m *Module) send(action Action, slotID uint64, request any, expected MessageType) (cbor.RawMessage, error) {
	encoded, err := encodeRequest(slotID, request)
	if err != nil {
		return nil, err
	}
	response, err := m.transport.Send(action, encoded)
	if err != nil {
		return nil, p11.WrapError("transport error for action "+action.String(), err)
	}
	return decodeResponse(expected, response)
}

func (m *Module) moduleCaps() (*ModuleCapsResponse, error) {
	payload, err := m.send(ActionModuleCaps, 0, nil, TypeModuleCaps)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var caps ModuleCapsResponse
	if err := cbor.Unmarshal(payload, &caps); err != nil {
		return nil, p11.WrapError("could not decode ModuleCapsResponse", err)
	}
	return &caps, nil
}

func (m *Module) slotIds() ([]p11.SlotID, error) {
	payload, err := m.send(ActionSlotIds, 0, nil, TypeSlotIds)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, p11.Errorf("server returned no slots")
	}
	var resp SlotIdsResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return nil, p11.WrapError("could not decode SlotIdsResponse", err)
	}

	slotIDs := make([]p11.SlotID, 0, len(resp.Slots))
	for _, s := range resp.Slots {
		slotIDs = append(slotIDs, p11.SlotID{Index: s.Index, ID: s.ID})
	}
	return slotIDs, nil
}
