package emulator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xipki/commons/pkg/p11"
)

// Type is the configuration value selecting this backend.
const Type = "emulator"

// DefaultBaseDir is used when the configuration names no base directory.
func DefaultBaseDir() string {
	return filepath.Join(os.TempDir(), "pkcs11-emulator")
}

// Module is the emulator module: one slot per <index>-<id> subdirectory of
// the base directory.
type Module struct {
	*p11.ModuleBase
	description string
}

var _ p11.Module = (*Module)(nil)

// NewModule opens the emulator base directory named by the configuration's
// native-library field (or the platform default) and builds the slots. A
// missing base directory is populated with two empty example slots.
func NewModule(conf *p11.ModuleConf) (*Module, error) {
	m := &Module{ModuleBase: p11.NewModuleBase(conf)}

	baseDir := strings.TrimSpace(conf.NativeLibrary())
	parameters := ""
	if idx := strings.Index(baseDir, "?"); idx != -1 {
		parameters = baseDir[idx:]
		baseDir = baseDir[:idx]
	}

	if baseDir == "" {
		baseDir = DefaultBaseDir()
		log.Infof("use default base directory: %s", baseDir)
	} else {
		log.Infof("use explicit base directory: %s", baseDir)
	}

	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		if err := createExampleRepository(baseDir, 2); err != nil {
			return nil, p11.WrapError("could not initialize the base directory "+baseDir, err)
		}
		log.Infof("created and initialized the base directory: %s", baseDir)
	}

	m.description = "PKCS#11 emulator\nPath: " + baseDir + parameters

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, p11.WrapError("could not list base directory", err)
	}

	seenIndexes := map[int]bool{}
	seenIDs := map[uint64]bool{}
	var slotIDs []p11.SlotID

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		tokens := strings.Split(entry.Name(), "-")
		if len(tokens) != 2 {
			log.Warnf("ignore dir %s, invalid filename syntax", entry.Name())
			continue
		}

		slotIndex, err1 := strconv.Atoi(tokens[0])
		slotID, err2 := strconv.ParseUint(tokens[1], 10, 64)
		if err1 != nil || err2 != nil {
			log.Warnf("ignore dir %s, invalid filename syntax", entry.Name())
			continue
		}

		if seenIndexes[slotIndex] {
			return nil, p11.Errorf("slot dir %s: the same slot index has been assigned", entry.Name())
		}
		if seenIDs[slotID] {
			return nil, p11.Errorf("slot dir %s: the same slot identifier has been assigned", entry.Name())
		}
		seenIndexes[slotIndex] = true
		seenIDs[slotID] = true

		id := p11.SlotID{Index: slotIndex, ID: slotID}
		if !conf.IsSlotIncluded(id) {
			log.Infof("skipped slot %s", id)
			continue
		}
		slotIDs = append(slotIDs, id)
	}

	slots := make([]p11.Slot, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		passwords, err := conf.PasswordRetriever().GetPassword(slotID)
		if err != nil {
			return nil, p11.WrapError("could not resolve password", err)
		}
		if passwords == nil {
			return nil, p11.Errorf("no password is configured for slot %s", slotID)
		}
		if len(passwords) != 1 {
			return nil, p11.Errorf("%d passwords are configured, but 1 is permitted", len(passwords))
		}

		cryptor, err := NewKeyCryptor(passwords[0])
		if err != nil {
			return nil, p11.WrapError("could not build key cryptor", err)
		}

		slotDir := filepath.Join(baseDir, fmt.Sprintf("%d-%d", slotID.Index, slotID.ID))
		slot, err := NewSlot(conf.Name(), slotDir, slotID, conf.IsReadOnly(), cryptor,
			conf.MechanismFilter(), conf.NewObjectConf(), conf.NumSessions(),
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

// Close closes all slots.
func (m *Module) Close() {
	log.Infof("close PKCS#11 module: %s", m.Name())
	m.CloseSlots()
}

// createExampleRepository populates a fresh base directory with empty
// slots 0-800000 ... (n-1)-(800000+n-1).
func createExampleRepository(dir string, numSlots int) error {
	for i := 0; i < numSlots; i++ {
		slotDir := filepath.Join(dir, fmt.Sprintf("%d-%d", i, 800000+i))
		if err := os.MkdirAll(slotDir, 0o700); err != nil {
			return err
		}
		slotInfo := filepath.Join(slotDir, fileSlotInfo)
		if err := os.WriteFile(slotInfo, []byte(propNamedCurveSupported+"=true\n"), 0o600); err != nil {
			return err
		}
	}
	return nil
}
