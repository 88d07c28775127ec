// Command p11tool is an operator tool for the PKCS#11 modules of this
// library: list slots, dump objects, generate and destroy keys. It has no
// signer health-check command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/p11/service"
	"github.com/xipki/commons/pkg/password"
)

var (
	confPath   string
	moduleName string
)

var rootCmd = &cobra.Command{
	Use:   "p11tool",
	Short: "PKCS#11 module operator tool",
	Long: `Operator tool for PKCS#11 modules (native driver, emulator, hsmproxy).

Examples:
  # List slots of the module named "default"
  p11tool slots --conf ./pkcs11.yaml

  # Dump the objects of slot index 0
  p11tool show --conf ./pkcs11.yaml --slot-index 0 --verbose

  # Generate an RSA-2048 keypair
  p11tool genkey rsa --conf ./pkcs11.yaml --slot-index 0 --label my-rsa --keysize 2048`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&confPath, "conf", "pkcs11.yaml", "Path to the PKCS#11 configuration")
	rootCmd.PersistentFlags().StringVar(&moduleName, "module", "default", "Module name in the configuration")

	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(destroyCmd)
}

// openService builds the crypt service of the selected module.
func openService() (*service.Factory, *service.CryptService, error) {
	conf, err := p11.LoadConf(confPath)
	if err != nil {
		return nil, nil, err
	}

	resolver := password.NewChainResolver(password.NewPassThroughResolver())
	factory := service.NewFactory(conf, resolver, service.Options{})
	svc, err := factory.Service(moduleName)
	if err != nil {
		factory.Close()
		return nil, nil, err
	}
	return factory, svc, nil
}

func slotForFlags(svc *service.CryptService, slotIndex int) (p11.Slot, error) {
	return svc.SlotForIndex(slotIndex)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
