package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	slotIndex    int
	showVerbose  bool
	showHandle   uint64
	destroyID    string
	destroyLabel string
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List the slots of a module",
	RunE:  runSlots,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Dump the objects of a slot",
	RunE:  runShow,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy objects by id and/or label",
	RunE:  runDestroy,
}

func init() {
	showCmd.Flags().IntVar(&slotIndex, "slot-index", 0, "Slot index")
	showCmd.Flags().BoolVar(&showVerbose, "verbose", false, "Also list the supported mechanisms")
	showCmd.Flags().Uint64Var(&showHandle, "handle", 0, "Show only the object with this handle")

	destroyCmd.Flags().IntVar(&slotIndex, "slot-index", 0, "Slot index")
	destroyCmd.Flags().StringVar(&destroyID, "id", "", "Object id (hex)")
	destroyCmd.Flags().StringVar(&destroyLabel, "label", "", "Object label")
}

func runSlots(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	fmt.Println(svc.Module().Description())
	for _, slotID := range svc.SlotIDs() {
		fmt.Printf("slot %s\n", slotID)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	slot, err := slotForFlags(svc, slotIndex)
	if err != nil {
		return err
	}

	var handle *uint64
	if cmd.Flags().Changed("handle") {
		handle = &showHandle
	}
	return slot.ShowDetails(os.Stdout, handle, showVerbose)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	factory, svc, err := openService()
	if err != nil {
		return err
	}
	defer factory.Close()

	slot, err := slotForFlags(svc, slotIndex)
	if err != nil {
		return err
	}

	var id []byte
	if destroyID != "" {
		if id, err = hex.DecodeString(destroyID); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
	}

	count, err := slot.DestroyObjectsByIDLabel(id, destroyLabel)
	if err != nil {
		return err
	}
	fmt.Printf("destroyed %d objects\n", count)
	return nil
}
