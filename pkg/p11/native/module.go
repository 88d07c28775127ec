//go:build cgo

package native

import (
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"github.com/xipki/commons/pkg/p11"
)

// Module is the native module over a loaded vendor library.
type Module struct {
	*p11.ModuleBase
	ctx         *pkcs11.Ctx
	description string
}

var _ p11.Module = (*Module)(nil)

// NewModule loads the configured vendor library, initializes it and builds
// the surviving slots.
func NewModule(conf *p11.ModuleConf) (p11.Module, error) {
	path := expandPath(conf.NativeLibrary())
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, p11.Errorf("could not load the PKCS#11 module: %s", path)
	}

	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, p11.WrapError("could not initialize the PKCS#11 module", err)
		}
		log.Info("PKCS#11 module already initialized")
	}

	m := &Module{ModuleBase: p11.NewModuleBase(conf), ctx: ctx}

	if info, err := ctx.GetInfo(); err == nil {
		m.description = fmt.Sprintf("PKCS#11 wrapper\n\tPath: %s\n\tCryptoki Version: %d.%d"+
			"\n\tManufacturerID: %s\n\tLibrary Description: %s\n\tLibrary Version: %d.%d",
			path, info.CryptokiVersion.Major, info.CryptokiVersion.Minor,
			info.ManufacturerID, info.LibraryDescription,
			info.LibraryVersion.Major, info.LibraryVersion.Minor)
	} else {
		m.description = "PKCS#11 wrapper\n\tPath: " + path
	}
	log.Infof("PKCS#11 module\n%s", m.description)

	slotIDs, err := ctx.GetSlotList(false)
	if err != nil {
		closeCtx(path, ctx)
		return nil, p11.WrapError("could not get slot list of module", err)
	}
	if len(slotIDs) == 0 {
		closeCtx(path, ctx)
		return nil, p11.Errorf("no slot could be found")
	}

	var slots []p11.Slot
	for i, rawSlotID := range slotIDs {
		slotInfo, err := ctx.GetSlotInfo(rawSlotID)
		if err != nil {
			log.Warnf("ignore slot[%d] (id=%d) with error: %v", i, rawSlotID, err)
			continue
		}
		if slotInfo.Flags&pkcs11.CKF_TOKEN_PRESENT == 0 {
			log.Infof("ignore slot[%d] (id=%d) without token", i, rawSlotID)
			continue
		}

		slotID := p11.SlotID{Index: i, ID: uint64(rawSlotID)}
		if !conf.IsSlotIncluded(slotID) {
			log.Infof("skipped slot %s", slotID)
			continue
		}

		tokenInfo, err := ctx.GetTokenInfo(rawSlotID)
		if err != nil {
			log.Warnf("ignore slot %s, could not get token info: %v", slotID, err)
			continue
		}
		if tokenInfo.Flags&pkcs11.CKF_TOKEN_INITIALIZED == 0 {
			log.Infof("slot %s not initialized, skipped it", slotID)
			continue
		}

		passwords, err := conf.PasswordRetriever().GetPassword(slotID)
		if err != nil {
			closeModuleSlots(slots)
			closeCtx(path, ctx)
			return nil, p11.WrapError("could not resolve password", err)
		}
		pin := ""
		if len(passwords) > 0 {
			pin = string(passwords[0])
		}

		token := newToken(ctx, rawSlotID, conf.IsReadOnly(), conf.UserType(), pin,
			conf.NumSessions(), conf.NewSessionTimeout(), conf.MaxMessageSize())

		slot, err := newSlot(conf.Name(), slotID, token, conf.MechanismFilter(),
			conf.NewObjectConf(), conf.SecretKeyTypes(), conf.KeyPairTypes())
		if err != nil {
			closeModuleSlots(slots)
			closeCtx(path, ctx)
			return nil, err
		}
		slots = append(slots, slot)
	}

	m.SetSlots(slots)
	return m, nil
}

// Description returns the library description reported by the driver.
func (m *Module) Description() string {
	return m.description
}

// Close closes every slot and finalizes the module.
func (m *Module) Close() {
	m.CloseSlots()
	closeCtx(m.Conf().NativeLibrary(), m.ctx)
}

func closeModuleSlots(slots []p11.Slot) {
	for _, slot := range slots {
		slot.Close()
	}
}

func closeCtx(path string, ctx *pkcs11.Ctx) {
	log.Infof("close PKCS#11 module %s", path)
	if err := ctx.Finalize(); err != nil {
		log.Warnf("could not finalize module %s: %v", path, err)
	}
	ctx.Destroy()
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[0] == '~' && path[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
