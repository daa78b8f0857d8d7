// Package secret provides scoped zeroization for sensitive byte material:
// ECDH shared secrets, raw key-exchange output, ephemeral private scalars,
// and passphrases. Every function in this module that allocates such data
// is responsible for best-effort zeroing on every exit path before release.
package secret

import "math/big"

// Bytes is an owned byte buffer holding sensitive material. Do not copy a
// Bytes by value; pass *Bytes so Zero reaches the one backing array.
type Bytes struct {
	b []byte
}

// NewBytes takes ownership of b. The caller must not retain b elsewhere.
func NewBytes(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Slice returns the underlying bytes. The returned slice aliases the
// buffer and becomes invalid after Zero.
func (s *Bytes) Slice() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len returns the number of bytes held.
func (s *Bytes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Zero overwrites every byte with zero. Safe to call multiple times and on
// a nil receiver.
func (s *Bytes) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}

// Scalar holds an ephemeral private scalar (an EC private key or a
// fixed-size key-agreement secret). It wraps a *big.Int so the magnitude
// words can be scrubbed; Go's math/big does not guarantee this on its own
// since arithmetic may reallocate, so Zero should be called as soon as the
// scalar is no longer needed and the value discarded afterward.
type Scalar struct {
	v *big.Int
}

// NewScalar takes ownership of v.
func NewScalar(v *big.Int) *Scalar {
	return &Scalar{v: v}
}

// Int returns the wrapped big.Int. Becomes invalid after Zero.
func (s *Scalar) Int() *big.Int {
	if s == nil {
		return nil
	}
	return s.v
}

// Zero clears the scalar's backing words and resets its value to zero.
func (s *Scalar) Zero() {
	if s == nil || s.v == nil {
		return
	}
	bits := s.v.Bits()
	for i := range bits {
		bits[i] = 0
	}
	s.v.SetInt64(0)
}

// ZeroBytes overwrites every byte of b with zero. Use for passphrases and
// other plain []byte secrets that never get wrapped in a Bytes.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
