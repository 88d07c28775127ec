package emulator

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/xipki/commons/pkg/p11"
)

// ShowDetails writes a human-readable dump of one object or of the whole
// slot. With verbose, the module's supported mechanisms are listed first.
func (s *Slot) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	if verbose {
		if err := s.printSupportedMechanisms(w); err != nil {
			return err
		}
	}

	if objectHandle != nil {
		return s.showObject(w, *objectHandle)
	}
	return s.listObjects(w)
}

func (s *Slot) printSupportedMechanisms(w io.Writer) error {
	mechs := s.Mechanisms()
	names := make([]string, 0, len(mechs))
	for mech := range mechs {
		names = append(names, p11.MechanismName(mech))
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(w, "Supported mechanisms:\n"); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %s\n", name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slot) showObject(w io.Writer, objectHandle uint64) error {
	if _, err := fmt.Fprintf(w, "\nDetails of object with handle %d\n", objectHandle); err != nil {
		return err
	}

	dir, id, err := s.findEntryByHandle(objectHandle)
	if err != nil {
		_, werr := fmt.Fprintf(w, "  error: CKR_OBJECT_HANDLE_INVALID\n")
		return werr
	}

	keyClass := p11.CKO_PRIVATE_KEY
	switch dir {
	case s.pubKeyDir:
		keyClass = p11.CKO_PUBLIC_KEY
	case s.secKeyDir:
		keyClass = p11.CKO_SECRET_KEY
	}

	props, err := loadProps(infoFile(dir, hex.EncodeToString(id)))
	if err != nil {
		return err
	}
	props["CLASS"] = p11.ObjectClassName(keyClass)

	names := make([]string, 0, len(props))
	nameLen := 0
	for name := range props {
		if name == propSha1Sum || name == "handle" {
			continue
		}
		names = append(names, name)
		if len(name) > nameLen {
			nameLen = len(name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		value := props[name]
		var valueText string
		switch name {
		case propKeyType:
			code, err := strconv.ParseUint(value, 10, 64)
			if err == nil {
				valueText = p11.KeyTypeName(code)
			} else {
				valueText = value
			}
		case propDSABase, propDSAPrime, propDSASubPrime, propDSAValue,
			propRSAModus, propRSAPublicExponent, propECParams, propECPoint, propID:
			bytes, err := hex.DecodeString(value)
			if err != nil {
				valueText = value
				break
			}
			if name == propECPoint {
				// EC points are stored DER-wrapped in an octet string
				var octets []byte
				if _, err := asn1.Unmarshal(bytes, &octets); err == nil {
					bytes = octets
				}
			}
			valueText = fmt.Sprintf("byte[%d]\n    %s", len(bytes), hex.EncodeToString(bytes))
		default:
			valueText = value
		}

		if _, err := fmt.Fprintf(w, "  %-*s %s\n", nameLen+1, name+":", valueText); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slot) listObjects(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "\nList of objects:\n"); err != nil {
		return err
	}

	no := 0
	for _, entry := range []struct {
		dir      string
		objClass uint64
	}{
		{s.secKeyDir, p11.CKO_SECRET_KEY},
		{s.privKeyDir, p11.CKO_PRIVATE_KEY},
		{s.pubKeyDir, p11.CKO_PUBLIC_KEY},
	} {
		names, err := listInfoFiles(entry.dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			no++
			line := s.objectLine(entry.objClass, entry.dir, name)
			if _, err := fmt.Fprintf(w, "  %3d. %s\n", no, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Slot) objectLine(objClass uint64, dir, name string) string {
	id, err := keyIDFromInfoFilename(name)
	if err != nil {
		return "error reading object saved in file " + filepath.Join(filepath.Base(dir), name)
	}
	props, err := loadProps(filepath.Join(dir, name))
	if err != nil {
		log.Warnf("error reading object saved in file %s: %v", filepath.Join(dir, name), err)
		return "error reading object saved in file " + filepath.Join(filepath.Base(dir), name)
	}

	handle := p11.EmulatorKeyHandle(id)
	if objClass == p11.CKO_PUBLIC_KEY {
		handle++
	}

	label := props[propLabel]
	if label == "" {
		label = "<N/A>"
	}
	keyTypeText := props[propKeyType]
	if code, err := strconv.ParseUint(keyTypeText, 10, 64); err == nil {
		keyTypeText = p11.KeyTypeName(code)
	}

	return fmt.Sprintf("handle=%d, id=%s, label=%s, %s: %s/%s",
		handle, hex.EncodeToString(id), label,
		p11.ObjectClassName(objClass)[4:], keyTypeText, props[propKeySpec])
}
