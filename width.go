// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// Va is a virtual address: an ImageBase plus an Rva. Width depends on the
// owning View (32 or 64 bit).
type Va uint64

// Rva is a relative virtual address, an offset from the image base that
// the mapped buffer uses as its own index space once loaded.
type Rva uint32

// BadRva is the sentinel Rva value meaning "no address" — a field that is
// legitimately absent (e.g. an unused data directory entry) rather than
// zero, which is itself a valid RVA inside some images.
const BadRva Rva = 0xFFFFFFFF

// BadVa is the sentinel Va value corresponding to BadRva.
const BadVa Va = 0xFFFFFFFFFFFFFFFF

// width distinguishes the PE32 and PE32+ address-width families. Rather
// than mirror the two sibling packages the Rust original splits across
// (pe32/pe64), the family is carried as a runtime discriminant on View:
// Go generics make one shared implementation of the directory decoders
// practical without duplicating every type.
type width struct {
	is64 bool
}

// Width32 selects the PE32 (32-bit) address family: a 32-bit ImageBase, a
// 32-bit ordinal-flag top bit, 4-byte thunk words.
var Width32 = width{is64: false}

// Width64 selects the PE32+ (64-bit) address family: a 64-bit ImageBase, a
// 64-bit ordinal-flag top bit, 8-byte thunk words.
var Width64 = width{is64: true}

// ordinalFlag32/64 discriminate an import-by-ordinal thunk from an
// import-by-name thunk: the top bit of the thunk word.
const (
	ordinalFlag32 = uint32(0x80000000)
	ordinalFlag64 = uint64(0x8000000000000000)
)

// thunkSize returns the width's native pointer size: 4 bytes for PE32, 8
// for PE32+, matching the size of an import thunk word or a Va.
func (w width) thunkSize() int {
	if w.is64 {
		return 8
	}
	return 4
}

// isOrdinal reports whether a raw thunk word has its ordinal-import flag
// set, masking for the active address width.
func (w width) isOrdinal(v uint64) bool {
	if w.is64 {
		return v&ordinalFlag64 != 0
	}
	return uint32(v)&ordinalFlag32 != 0
}

// ordinal extracts the 16-bit ordinal value packed into a by-ordinal
// thunk word.
func (w width) ordinal(v uint64) uint16 {
	return uint16(v & 0xFFFF)
}
