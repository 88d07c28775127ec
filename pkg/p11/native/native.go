// Package native is the PKCS#11 backend speaking the C ABI of a vendor
// library through the miekg/pkcs11 wrapper. It requires cgo; without cgo
// the constructor reports the backend as unavailable.
package native

// Type is the configuration value selecting this backend.
const Type = "native"
