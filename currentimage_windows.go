// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package pe

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// CurrentImage returns a View over the PE image of the currently running
// process's main module, by asking the OS for its own base address rather
// than walking PEB loader structures. GetModuleHandle(nil) returns an
// HMODULE that is itself a pointer to the module's DOS header, already
// laid out in the virtual order a loaded module always has, so no remap
// (as Open performs for an on-disk file) is needed.
//
// This is the library's only platform-specific entry point (§4.7); it
// does not exist on non-Windows builds.
func CurrentImage() (*View, error) {
	h, err := windows.GetModuleHandle(nil)
	if err != nil {
		return nil, err
	}
	base := uintptr(h)

	dosHdr := (*ImageDOSHeader)(unsafe.Pointer(base))
	if dosHdr.Magic != ImageDOSSignature {
		return nil, newLoadError(KindBadMagic, ErrDOSMagicNotFound)
	}

	ntOff := uintptr(dosHdr.AddressOfNewEXEHeader)
	fhPtr := (*ImageFileHeader)(unsafe.Pointer(base + ntOff + unsafe.Sizeof(uint32(0))))
	optOff := ntOff + unsafe.Sizeof(uint32(0)) + unsafe.Sizeof(ImageFileHeader{})
	magicPtr := (*uint16)(unsafe.Pointer(base + optOff))

	var sizeOfImage uint32
	var vbase Va
	is64 := *magicPtr == ImageNtOptionalHeader64Magic
	if is64 {
		oh := (*ImageOptionalHeader64)(unsafe.Pointer(base + optOff))
		sizeOfImage = oh.SizeOfImage
		vbase = Va(oh.ImageBase)
	} else {
		oh := (*ImageOptionalHeader32)(unsafe.Pointer(base + optOff))
		sizeOfImage = oh.SizeOfImage
		vbase = Va(oh.ImageBase)
	}
	_ = fhPtr

	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), sizeOfImage)
	w := Width32
	if is64 {
		w = Width64
	}
	return NewView(buf, w, vbase), nil
}
