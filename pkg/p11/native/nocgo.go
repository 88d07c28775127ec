//go:build !cgo

package native

import "github.com/xipki/commons/pkg/p11"

// NewModule is unavailable without cgo.
func NewModule(conf *p11.ModuleConf) (p11.Module, error) {
	return nil, p11.Errorf("the native PKCS#11 backend requires cgo")
}
