package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xipki/commons/pkg/p11"
)

var (
	genLabel   string
	genID      string
	genKeysize int
	genCurve   string
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate keys in a slot",
}

var genkeyRSACmd = &cobra.Command{
	Use:   "rsa",
	Short: "Generate an RSA keypair",
	RunE:  runGenkeyRSA,
}

var genkeyECCmd = &cobra.Command{
	Use:   "ec",
	Short: "Generate an EC keypair on a named curve",
	RunE:  runGenkeyEC,
}

var genkeySecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate an AES secret key",
	RunE:  runGenkeySecret,
}

func init() {
	genkeyCmd.AddCommand(genkeyRSACmd)
	genkeyCmd.AddCommand(genkeyECCmd)
	genkeyCmd.AddCommand(genkeySecretCmd)

	for _, c := range []*cobra.Command{genkeyRSACmd, genkeyECCmd, genkeySecretCmd} {
		c.Flags().IntVar(&slotIndex, "slot-index", 0, "Slot index")
		c.Flags().StringVar(&genLabel, "label", "", "Key label (required)")
		c.Flags().StringVar(&genID, "id", "", "Key id (hex, optional)")
		_ = c.MarkFlagRequired("label")
	}
	genkeyRSACmd.Flags().IntVar(&genKeysize, "keysize", 2048, "RSA modulus length in bits")
	genkeyECCmd.Flags().StringVar(&genCurve, "curve", "P-256", "Curve name")
	genkeySecretCmd.Flags().IntVar(&genKeysize, "keysize", 256, "Key length in bits")
}

func newKeyControl() (*p11.NewKeyControl, error) {
	control := &p11.NewKeyControl{Label: genLabel}
	if genID != "" {
		id, err := hex.DecodeString(genID)
		if err != nil {
			return nil, fmt.Errorf("invalid id: %w", err)
		}
		control.ID = id
	}
	return control, nil
}

func runGenkeyRSA(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	slot, err := slotForFlags(svc, slotIndex)
	if err != nil {
		return err
	}
	control, err := newKeyControl()
	if err != nil {
		return err
	}

	// the secret subcommand binds genKeysize too and registers its default
	// last, so the RSA default is applied here
	keysize := genKeysize
	if !cmd.Flags().Changed("keysize") {
		keysize = 2048
	}
	keyID, err := slot.GenerateRSAKeypair(keysize, nil, control)
	if err != nil {
		return err
	}
	fmt.Printf("generated RSA keypair: %s\n", keyID)
	return nil
}

func runGenkeyEC(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	slot, err := slotForFlags(svc, slotIndex)
	if err != nil {
		return err
	}
	control, err := newKeyControl()
	if err != nil {
		return err
	}

	curveOID, ok := p11.CurveOIDByName(genCurve)
	if !ok {
		return fmt.Errorf("unknown curve %q", genCurve)
	}

	keyID, err := slot.GenerateECKeypair(curveOID, control)
	if err != nil {
		return err
	}
	fmt.Printf("generated EC keypair: %s\n", keyID)
	return nil
}

func runGenkeySecret(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	slot, err := slotForFlags(svc, slotIndex)
	if err != nil {
		return err
	}
	control, err := newKeyControl()
	if err != nil {
		return err
	}

	keyID, err := slot.GenerateSecretKey(p11.CKK_AES, genKeysize, control)
	if err != nil {
		return err
	}
	fmt.Printf("generated secret key: %s\n", keyID)
	return nil
}
