package sshcrypto

import (
	"bytes"
	"testing"
)

func TestCurveFromNameKnown(t *testing.T) {
	for _, name := range []string{"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521"} {
		c, err := CurveFromName(name)
		if err != nil {
			t.Fatalf("CurveFromName(%s) error = %v", name, err)
		}
		if c.KLen() <= 0 {
			t.Errorf("CurveFromName(%s).KLen() = %d, want > 0", name, c.KLen())
		}
	}
}

func TestCurveFromNameUnknown(t *testing.T) {
	if _, err := CurveFromName("ecdh-sha2-foo"); err == nil {
		t.Fatal("expected error for unknown curve")
	}
}

func TestECDHSymmetry(t *testing.T) {
	for _, name := range []string{"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521"} {
		c, err := CurveFromName(name)
		if err != nil {
			t.Fatal(err)
		}
		a, err := GenerateKeypair(c)
		if err != nil {
			t.Fatalf("GenerateKeypair A: %v", err)
		}
		b, err := GenerateKeypair(c)
		if err != nil {
			t.Fatalf("GenerateKeypair B: %v", err)
		}
		if err := ValidatePublic(c, a.PublicPoint); err != nil {
			t.Fatalf("ValidatePublic(A): %v", err)
		}
		if err := ValidatePublic(c, b.PublicPoint); err != nil {
			t.Fatalf("ValidatePublic(B): %v", err)
		}

		secretAB, err := ComputeShared(c, a, b.PublicPoint)
		if err != nil {
			t.Fatalf("ComputeShared(a, B): %v", err)
		}
		secretBA, err := ComputeShared(c, b, a.PublicPoint)
		if err != nil {
			t.Fatalf("ComputeShared(b, A): %v", err)
		}
		if !bytes.Equal(secretAB.Slice(), secretBA.Slice()) {
			t.Errorf("%s: shared secrets differ: %x vs %x", name, secretAB.Slice(), secretBA.Slice())
		}
		if len(secretAB.Slice()) != c.KLen() {
			t.Errorf("%s: shared secret length = %d, want %d", name, len(secretAB.Slice()), c.KLen())
		}
	}
}

func TestValidatePublicRejectsIdentity(t *testing.T) {
	c, _ := CurveFromName("ecdh-sha2-nistp256")
	zero := make([]byte, 1+2*c.KLen())
	if err := ValidatePublic(c, zero); err == nil {
		t.Error("expected identity point to be rejected")
	}
}

func TestValidatePublicRejectsOffCurve(t *testing.T) {
	c, _ := CurveFromName("ecdh-sha2-nistp256")
	bad := make([]byte, 1+2*c.KLen())
	bad[0] = 0x04
	bad[1] = 0x01 // arbitrary, essentially never on-curve
	if err := ValidatePublic(c, bad); err == nil {
		t.Error("expected off-curve point to be rejected")
	}
}

func TestValidatePublicAcceptsValidPoint(t *testing.T) {
	c, _ := CurveFromName("ecdh-sha2-nistp256")
	k, err := GenerateKeypair(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidatePublic(c, k.PublicPoint); err != nil {
		t.Errorf("ValidatePublic rejected a freshly generated point: %v", err)
	}
}

func TestZeroizeScalar(t *testing.T) {
	c, _ := CurveFromName("ecdh-sha2-nistp256")
	k, err := GenerateKeypair(c)
	if err != nil {
		t.Fatal(err)
	}
	k.Scalar.Zero()
	for _, b := range k.Scalar.Slice() {
		if b != 0 {
			t.Fatal("scalar byte survived Zero()")
		}
	}
}
