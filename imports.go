// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "fmt"

// ImportedSymbol is one thunk-table entry: a function imported either by
// name (with an optional binding hint) or by ordinal.
type ImportedSymbol struct {
	ByOrdinal bool
	Ordinal   uint16
	Hint      uint16
	Name      string

	// ThunkRVA is the RVA of this symbol's slot in the IAT (FirstThunk
	// array) — the address a loader overwrites with the resolved
	// function pointer.
	ThunkRVA Rva

	// IATValue is the raw VA-width word currently stored at ThunkRVA. On
	// an unbound on-disk file this mirrors the INT thunk encoding; read
	// from a live mapping (CurrentImage, OpenMapped) it is the loader's
	// resolved function pointer. HasIATValue is false when there is no
	// IAT slot to read.
	IATValue    uint64
	HasIATValue bool
}

// ImportDescriptor is one imported DLL and the symbols pulled from it.
type ImportDescriptor struct {
	DLLName   string
	Functions []ImportedSymbol
}

const maxImportDescriptors = 4096
const maxThunksPerImport = 65536

// parseImports walks the import directory table until the all-zero
// sentinel descriptor, decoding each DLL's INT (OriginalFirstThunk, names
// and ordinals) and, where the loader has already bound it, the IAT
// (FirstThunk). Absent the import data directory, it returns (nil, nil):
// "no imports" is not an error (§7).
func (v *View) parseImports() ([]ImportDescriptor, error) {
	dd, ok := v.DataDirectory(ImageDirectoryEntryImport)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	var out []ImportDescriptor
	rva := Rva(dd.VirtualAddress)
	for i := 0; i < maxImportDescriptors; i++ {
		desc, ok := ReadStruct[ImageImportDescriptor](v, rva)
		if !ok {
			corrupt("import", "descriptor table runs past the buffer")
		}
		if desc.isSentinel() {
			return out, nil
		}

		name, ok := ReadString(v, Rva(desc.Name))
		if !ok {
			// Unreadable DLL name: skip this descriptor rather than
			// fail the whole directory.
			rva += Rva(sizeOfImportDescriptor)
			continue
		}

		thunkRVA := Rva(desc.OriginalFirstThunk)
		if thunkRVA == 0 {
			thunkRVA = Rva(desc.FirstThunk)
		}
		fns, err := v.readThunkTable(thunkRVA, Rva(desc.FirstThunk))
		if err != nil {
			rva += Rva(sizeOfImportDescriptor)
			continue
		}

		out = append(out, ImportDescriptor{DLLName: name, Functions: fns})
		rva += Rva(sizeOfImportDescriptor)
	}
	corrupt("import", "descriptor table has no terminating sentinel within bound")
	return nil, nil
}

const sizeOfImportDescriptor = 20 // 5 uint32 fields

// readThunkTable decodes one DLL's thunk array (the INT, or the IAT when
// OriginalFirstThunk is absent) into ImportedSymbols, stopping at a
// zero-valued thunk word.
func (v *View) readThunkTable(thunkRVA, iatRVA Rva) ([]ImportedSymbol, error) {
	if thunkRVA == 0 {
		return nil, nil
	}
	w := v.width
	size := w.thunkSize()

	var fns []ImportedSymbol
	off := thunkRVA
	iatOff := iatRVA
	for i := 0; i < maxThunksPerImport; i++ {
		word, ok := readThunkWord(v, off, size)
		if !ok {
			return nil, fmt.Errorf("thunk table runs past the buffer")
		}
		if word == 0 {
			return fns, nil
		}

		sym := ImportedSymbol{ThunkRVA: iatOff}
		if iatRVA != 0 {
			if iatWord, ok := readThunkWord(v, iatOff, size); ok {
				sym.IATValue = iatWord
				sym.HasIATValue = true
			}
		}
		if w.isOrdinal(word) {
			sym.ByOrdinal = true
			sym.Ordinal = w.ordinal(word)
		} else {
			nameRVA := Rva(word)
			hint, ok := ReadStruct[uint16](v, nameRVA)
			if !ok {
				return nil, fmt.Errorf("import-by-name hint out of bounds")
			}
			sym.Hint = *hint
			name, ok := ReadString(v, nameRVA+2)
			if !ok {
				return nil, fmt.Errorf("import-by-name string out of bounds")
			}
			sym.Name = name
		}
		fns = append(fns, sym)
		off += Rva(size)
		iatOff += Rva(size)
	}
	return nil, fmt.Errorf("thunk table exceeds %d entries without a sentinel", maxThunksPerImport)
}

func readThunkWord(v *View, rva Rva, size int) (uint64, bool) {
	if size == 8 {
		p, ok := ReadStruct[uint64](v, rva)
		if !ok {
			return 0, false
		}
		return *p, true
	}
	p, ok := ReadStruct[uint32](v, rva)
	if !ok {
		return 0, false
	}
	return uint64(*p), true
}
