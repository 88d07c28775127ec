package p11

import "sync"

// Module is a loaded PKCS#11 module with its surviving slots.
type Module interface {
	Name() string
	Description() string
	Conf() *ModuleConf
	IsReadOnly() bool

	SlotIDs() []SlotID
	Slot(slotID SlotID) (Slot, error)
	SlotIDForIndex(index int) (SlotID, error)
	SlotIDForID(id uint64) (SlotID, error)

	Close()
}

// ModuleBase carries the slot bookkeeping shared by the backends.
type ModuleBase struct {
	conf *ModuleConf

	mu      sync.Mutex
	slots   map[SlotID]Slot
	slotIDs []SlotID
}

// NewModuleBase builds the common module state.
func NewModuleBase(conf *ModuleConf) *ModuleBase {
	return &ModuleBase{conf: conf, slots: map[SlotID]Slot{}}
}

// Name returns the logical module name.
func (m *ModuleBase) Name() string {
	return m.conf.Name()
}

// Conf returns the module configuration.
func (m *ModuleBase) Conf() *ModuleConf {
	return m.conf
}

// IsReadOnly reports whether the module forbids mutation.
func (m *ModuleBase) IsReadOnly() bool {
	return m.conf.IsReadOnly()
}

// SetSlots replaces the slot set.
func (m *ModuleBase) SetSlots(slots []Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = make(map[SlotID]Slot, len(slots))
	m.slotIDs = m.slotIDs[:0]
	for _, slot := range slots {
		m.slots[slot.SlotID()] = slot
		m.slotIDs = append(m.slotIDs, slot.SlotID())
	}
}

// SlotIDs returns the identifiers of all slots.
func (m *ModuleBase) SlotIDs() []SlotID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SlotID(nil), m.slotIDs...)
}

// Slot returns the slot with the given identifier.
func (m *ModuleBase) Slot(slotID SlotID) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[slotID]
	if !ok {
		return nil, Errorf("unknown slot %s", slotID)
	}
	return slot, nil
}

// SlotIDForIndex returns the identifier of the slot at the given index.
func (m *ModuleBase) SlotIDForIndex(index int) (SlotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.slotIDs {
		if id.Index == index {
			return id, nil
		}
	}
	return SlotID{}, Errorf("could not find slot with index %d", index)
}

// SlotIDForID returns the identifier of the slot with the given id.
func (m *ModuleBase) SlotIDForID(id uint64) (SlotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slotID := range m.slotIDs {
		if slotID.ID == id {
			return slotID, nil
		}
	}
	return SlotID{}, Errorf("could not find slot with id %d", id)
}

// DestroySlot closes and removes the slot with the given id. It is a no-op
// when the slot does not exist.
func (m *ModuleBase) DestroySlot(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, slotID := range m.slotIDs {
		if slotID.ID != id {
			continue
		}
		slot := m.slots[slotID]
		delete(m.slots, slotID)
		m.slotIDs = append(m.slotIDs[:i], m.slotIDs[i+1:]...)
		if slot != nil {
			slot.Close()
		}
		return
	}
}

// CloseSlots closes every slot.
func (m *ModuleBase) CloseSlots() {
	m.mu.Lock()
	slots := make([]Slot, 0, len(m.slots))
	for _, slot := range m.slots {
		slots = append(slots, slot)
	}
	m.mu.Unlock()

	for _, slot := range slots {
		slot.Close()
	}
}
