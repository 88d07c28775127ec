package p11

import (
	"crypto/elliptic"
	"encoding/asn1"

	"github.com/emmansun/gmsm/sm2"
)

// Curve identifiers this layer understands.
var (
	OIDCurveP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	OIDCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	OIDCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	OIDCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
	OIDCurveSM2  = asn1.ObjectIdentifier{1, 2, 156, 10197, 1, 301}

	OIDX25519  = asn1.ObjectIdentifier{1, 3, 101, 110}
	OIDX448    = asn1.ObjectIdentifier{1, 3, 101, 111}
	OIDEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	OIDEd448   = asn1.ObjectIdentifier{1, 3, 101, 113}
)

var curveNames = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{OIDCurveP224, "P-224"},
	{OIDCurveP256, "P-256"},
	{OIDCurveP384, "P-384"},
	{OIDCurveP521, "P-521"},
	{OIDCurveSM2, "sm2p256v1"},
	{OIDX25519, "X25519"},
	{OIDX448, "X448"},
	{OIDEd25519, "Ed25519"},
	{OIDEd448, "Ed448"},
}

// CurveName returns the conventional name of the curve, or its dotted OID
// when unknown.
func CurveName(oid asn1.ObjectIdentifier) string {
	for _, c := range curveNames {
		if c.oid.Equal(oid) {
			return c.name
		}
	}
	return oid.String()
}

// CurveOIDByName resolves a conventional curve name.
func CurveOIDByName(name string) (asn1.ObjectIdentifier, bool) {
	for _, c := range curveNames {
		if c.name == name {
			return c.oid, true
		}
	}
	return nil, false
}

// IsEdwardsCurve reports whether the oid names an Edwards curve.
func IsEdwardsCurve(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(OIDEd25519) || oid.Equal(OIDEd448)
}

// IsMontgomeryCurve reports whether the oid names a Montgomery curve.
func IsMontgomeryCurve(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(OIDX25519) || oid.Equal(OIDX448)
}

// CurveOIDForCurve returns the named-curve oid of a short-Weierstrass
// curve.
func CurveOIDForCurve(curve elliptic.Curve) (asn1.ObjectIdentifier, bool) {
	switch curve {
	case elliptic.P224():
		return OIDCurveP224, true
	case elliptic.P256():
		return OIDCurveP256, true
	case elliptic.P384():
		return OIDCurveP384, true
	case elliptic.P521():
		return OIDCurveP521, true
	case sm2.P256():
		return OIDCurveSM2, true
	default:
		return nil, false
	}
}

// WeierstrassCurve returns the elliptic.Curve for a named short-Weierstrass
// curve oid, or nil.
func WeierstrassCurve(oid asn1.ObjectIdentifier) elliptic.Curve {
	switch {
	case oid.Equal(OIDCurveP224):
		return elliptic.P224()
	case oid.Equal(OIDCurveP256):
		return elliptic.P256()
	case oid.Equal(OIDCurveP384):
		return elliptic.P384()
	case oid.Equal(OIDCurveP521):
		return elliptic.P521()
	case oid.Equal(OIDCurveSM2):
		return sm2.P256()
	default:
		return nil
	}
}
