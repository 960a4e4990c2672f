// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"unsafe"
)

// View is a read-only, zero-copy overlay of typed PE structures onto a
// byte buffer already laid out in virtual-address order (i.e. RVA N of
// the image corresponds to byte N of the buffer — see Open and OpenMapped
// for how that invariant is established). View never copies the bytes it
// decodes; ReadStruct and ReadSlice hand back pointers/slices aliasing the
// original buffer, the same approach pelite's PeView takes over an mmap'd
// region.
type View struct {
	buf   []byte
	width width
	vbase Va
}

// NewView wraps buf as a View of the given address-width family, with
// vbase as the image's load address (used only by RVAToVA/VAToRVA — every
// other operation addresses purely in RVA space).
func NewView(buf []byte, w width, vbase Va) *View {
	return &View{buf: buf, width: w, vbase: vbase}
}

// Bytes returns the raw backing buffer. Callers must not retain a mutable
// alias across concurrent readers of the same View (§5).
func (v *View) Bytes() []byte { return v.buf }

// Width returns the address-width family (Width32 or Width64) of this View.
func (v *View) Width() width { return v.width }

// ImageBase returns the address a loader would assign this image absent
// relocation, as recorded by NewView/Open.
func (v *View) ImageBase() Va { return v.vbase }

// inBounds reports whether [rva, rva+size) lies entirely within buf.
func (v *View) inBounds(rva Rva, size uint64) bool {
	if rva == BadRva {
		return false
	}
	start := uint64(rva)
	end := start + size
	return end >= start && end <= uint64(len(v.buf))
}

// ReadStruct overlays a *T directly onto v's buffer at rva, without
// copying. It returns ok=false if rva is BadRva, the struct would run past
// the end of the buffer, or rva isn't aligned for T — matching pelite's
// read_struct<T> bounds+alignment assertions, reported here as a boolean
// instead of a panic so ordinary absent-field cases don't need a recover.
func ReadStruct[T any](v *View, rva Rva) (*T, bool) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if !v.inBounds(rva, size) {
		return nil, false
	}
	align := uint64(unsafe.Alignof(zero))
	if align > 1 && uint64(rva)%align != 0 {
		return nil, false
	}
	ptr := unsafe.Pointer(&v.buf[rva])
	return (*T)(ptr), true
}

// ReadSlice overlays a []T of length n directly onto v's buffer at rva,
// without copying. Returns ok=false under the same conditions as
// ReadStruct, computed over the whole n*sizeof(T) extent.
func ReadSlice[T any](v *View, rva Rva, n int) ([]T, bool) {
	if n < 0 {
		return nil, false
	}
	if n == 0 {
		return []T{}, true
	}
	var zero T
	elemSize := uint64(unsafe.Sizeof(zero))
	size := elemSize * uint64(n)
	if !v.inBounds(rva, size) {
		return nil, false
	}
	align := uint64(unsafe.Alignof(zero))
	if align > 1 && uint64(rva)%align != 0 {
		return nil, false
	}
	ptr := unsafe.Pointer(&v.buf[rva])
	return unsafe.Slice((*T)(ptr), n), true
}

// ReadString returns the NUL-terminated ASCII string starting at rva, not
// including the terminator. ok is false if rva is out of bounds or no NUL
// byte is found before the end of the buffer.
func ReadString(v *View, rva Rva) (string, bool) {
	if rva == BadRva || uint64(rva) >= uint64(len(v.buf)) {
		return "", false
	}
	start := uint64(rva)
	end := start
	for end < uint64(len(v.buf)) && v.buf[end] != 0 {
		end++
	}
	if end >= uint64(len(v.buf)) {
		return "", false
	}
	return string(v.buf[start:end]), true
}

// DOSHeader overlays the MS-DOS stub header at the start of the buffer.
func (v *View) DOSHeader() (*ImageDOSHeader, bool) {
	return ReadStruct[ImageDOSHeader](v, 0)
}

// NTHeaderOffset returns the file offset of the four-byte PE signature, as
// recorded by the DOS header's e_lfanew field.
func (v *View) NTHeaderOffset() (Rva, bool) {
	dos, ok := v.DOSHeader()
	if !ok {
		return 0, false
	}
	return Rva(dos.AddressOfNewEXEHeader), true
}

// ntHeaderLayout is the fixed-size prefix of the NT headers: the four-byte
// signature plus the COFF file header. The optional header (whose size
// varies by width) follows immediately and is read separately by
// OptionalHeader32/64.
type ntHeaderLayout struct {
	Signature  uint32
	FileHeader ImageFileHeader
}

// Signature returns the four-byte PE signature, for validating against
// ImageNTSignature.
func (v *View) Signature() (uint32, bool) {
	off, ok := v.NTHeaderOffset()
	if !ok {
		return 0, false
	}
	nt, ok := ReadStruct[ntHeaderLayout](v, off)
	if !ok {
		return 0, false
	}
	return nt.Signature, true
}

// FileHeader overlays the COFF file header following the PE signature.
func (v *View) FileHeader() (*ImageFileHeader, bool) {
	off, ok := v.NTHeaderOffset()
	if !ok {
		return nil, false
	}
	nt, ok := ReadStruct[ntHeaderLayout](v, off)
	if !ok {
		return nil, false
	}
	_ = nt
	fhOff := off + Rva(unsafe.Sizeof(uint32(0)))
	return ReadStruct[ImageFileHeader](v, fhOff)
}

// optionalHeaderOffset is the RVA of the optional header, immediately
// after the fixed ntHeaderLayout prefix.
func (v *View) optionalHeaderOffset() (Rva, bool) {
	off, ok := v.NTHeaderOffset()
	if !ok {
		return 0, false
	}
	return off + Rva(unsafe.Sizeof(ntHeaderLayout{})), true
}

// OptionalHeader32 overlays the PE32 optional header. Callers should check
// FileHeader/optional-header magic first; it is not re-validated here.
func (v *View) OptionalHeader32() (*ImageOptionalHeader32, bool) {
	off, ok := v.optionalHeaderOffset()
	if !ok {
		return nil, false
	}
	return ReadStruct[ImageOptionalHeader32](v, off)
}

// OptionalHeader64 overlays the PE32+ optional header.
func (v *View) OptionalHeader64() (*ImageOptionalHeader64, bool) {
	off, ok := v.optionalHeaderOffset()
	if !ok {
		return nil, false
	}
	return ReadStruct[ImageOptionalHeader64](v, off)
}

// sectionHeaderOffset returns the RVA of the section header table, which
// follows the optional header (whose declared size, SizeOfOptionalHeader,
// may legitimately differ from sizeof(ImageOptionalHeader32/64)).
func (v *View) sectionHeaderOffset() (Rva, bool) {
	off, ok := v.optionalHeaderOffset()
	if !ok {
		return 0, false
	}
	fh, ok := v.FileHeader()
	if !ok {
		return 0, false
	}
	return off + Rva(fh.SizeOfOptionalHeader), true
}

// SectionHeaders overlays the section header table as a slice of n
// entries, where n is the COFF file header's NumberOfSections.
func (v *View) SectionHeaders() ([]ImageSectionHeader, bool) {
	off, ok := v.sectionHeaderOffset()
	if !ok {
		return nil, false
	}
	fh, ok := v.FileHeader()
	if !ok {
		return nil, false
	}
	return ReadSlice[ImageSectionHeader](v, off, int(fh.NumberOfSections))
}

// DataDirectory returns the idx'th data directory entry from the optional
// header, whichever width is active. ok is false if idx is beyond
// NumberOfRvaAndSizes or the optional header itself is unreadable.
func (v *View) DataDirectory(idx DataDirectoryIndex) (DataDirectory, bool) {
	if idx < 0 || int(idx) >= 16 {
		return DataDirectory{}, false
	}
	if v.width.is64 {
		oh, ok := v.OptionalHeader64()
		if !ok || uint32(idx) >= oh.NumberOfRvaAndSizes {
			return DataDirectory{}, false
		}
		return oh.DataDirectory[idx], true
	}
	oh, ok := v.OptionalHeader32()
	if !ok || uint32(idx) >= oh.NumberOfRvaAndSizes {
		return DataDirectory{}, false
	}
	return oh.DataDirectory[idx], true
}

// RVAToFileOffset translates an in-memory RVA to the on-disk file offset
// it was loaded from, by locating the section containing rva. This is a
// property of the *original file layout*; once a View has been produced by
// Open (which remaps section data into virtual order), the View's own
// buffer no longer needs this translation for any of its own reads — it
// exists for callers that still hold the original file and want to cross-
// reference, per §3's File offset definition.
func (v *View) RVAToFileOffset(sections []ImageSectionHeader, rva Rva) (uint32, bool) {
	for _, s := range sections {
		if uint32(rva) >= s.VirtualAddress && uint32(rva) < s.VirtualAddress+s.SizeOfRawData {
			return uint32(rva) - s.VirtualAddress + s.PointerToRawData, true
		}
	}
	return 0, false
}

// FileOffsetToRVA is the inverse of RVAToFileOffset.
func (v *View) FileOffsetToRVA(sections []ImageSectionHeader, offset uint32) (Rva, bool) {
	for _, s := range sections {
		if offset >= s.PointerToRawData && offset < s.PointerToRawData+s.SizeOfRawData {
			return Rva(offset - s.PointerToRawData + s.VirtualAddress), true
		}
	}
	return 0, false
}

// RVAToVA adds the image's load address to rva. Returns BadVa if rva is
// BadRva.
func (v *View) RVAToVA(rva Rva) Va {
	if rva == BadRva {
		return BadVa
	}
	return v.vbase + Va(rva)
}

// VAToRVA subtracts the image's load address from va. Returns BadRva if va
// is BadVa.
//
// On a 64-bit image, va-vbase can in principle underflow if va precedes
// vbase; like the pelite original this is not separately guarded (see
// va_to_rva's FIXME in pe64/peview.rs) and simply wraps, matching this
// package's documented Open Question on RVA/VA overflow.
func (v *View) VAToRVA(va Va) Rva {
	if va == BadVa {
		return BadRva
	}
	return Rva(va - v.vbase)
}
