// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "fmt"

// RelocationBlock is one base-relocation block: all of the fixups that
// target a single 4KB page of the image, identified by PageRVA.
type RelocationBlock struct {
	PageRVA Rva
	Entries []ImageBaseRelocEntry
}

// RVAOf returns the absolute RVA a relocation entry targets: the block's
// page RVA plus the entry's 12-bit in-page offset.
func (b RelocationBlock) RVAOf(e ImageBaseRelocEntry) Rva {
	return b.PageRVA + Rva(e.Offset())
}

const maxRelocBlocks = 1 << 20

// parseRelocations walks the base relocation directory block by block
// until the directory's extent is exhausted. Absent a relocation
// directory (common for executables, typical for non-relocatable images),
// returns (nil, nil).
func (v *View) parseRelocations() ([]RelocationBlock, error) {
	dd, ok := v.DataDirectory(ImageDirectoryEntryBaseReloc)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	end := uint64(dd.VirtualAddress) + uint64(dd.Size)
	var out []RelocationBlock
	rva := Rva(dd.VirtualAddress)

	for i := 0; i < maxRelocBlocks; i++ {
		if uint64(rva) >= end {
			return out, nil
		}
		hdr, ok := ReadStruct[ImageBaseRelocation](v, rva)
		if !ok {
			corrupt("basereloc", "block header runs past the buffer")
		}
		const hdrSize = 8 // two uint32 fields
		if hdr.SizeOfBlock <= hdrSize {
			return nil, fmt.Errorf("basereloc: block at rva 0x%x has SizeOfBlock %d, which must be greater than its own header size", rva, hdr.SizeOfBlock)
		}
		entryCount := (hdr.SizeOfBlock - hdrSize) / 2
		entries, ok := ReadSlice[ImageBaseRelocEntry](v, rva+hdrSize, int(entryCount))
		if !ok {
			corrupt("basereloc", "entry array runs past the buffer")
		}

		out = append(out, RelocationBlock{PageRVA: Rva(hdr.VirtualAddress), Entries: entries})
		rva += Rva(hdr.SizeOfBlock)
	}
	return nil, fmt.Errorf("basereloc: directory exceeds %d blocks without exhausting its extent", maxRelocBlocks)
}
