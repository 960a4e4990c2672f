// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "fmt"

// ExportedSymbol is one resolved entry from the export address table: a
// defined symbol at an RVA, or a forward to "DLL.Symbol" in another
// module.
type ExportedSymbol struct {
	Ordinal     uint16
	Name        string // empty if exported by ordinal only
	RVA         Rva    // zero-value meaningful only when !IsForwarder
	IsForwarder bool
	Forwarder   string
}

// ExportDirectory is a decoded export directory: the three parallel
// tables (EAT, name pointer table, name ordinal table) plus the lookups
// built on top of them.
type ExportDirectory struct {
	Name string
	Base uint32

	functions    []uint32
	names        []uint32
	nameOrdinals []uint16

	dir DataDirectory
	v   *View
}

// Functions returns the raw export address table: one RVA per ordinal
// slot, in ordinal order starting at Base. A zero entry means that
// ordinal is unused.
func (e *ExportDirectory) Functions() []uint32 { return e.functions }

// Names returns the RVA of each exported name string, parallel to
// NameIndices.
func (e *ExportDirectory) Names() []uint32 { return e.names }

// NameIndices returns, for each entry of Names, the index into Functions
// that name resolves to.
func (e *ExportDirectory) NameIndices() []uint16 { return e.nameOrdinals }

// IsForwarded reports whether rva lies inside the export directory's own
// extent, which is how a forwarder RVA (as opposed to a real code/data
// RVA) is distinguished — there is no separate flag bit.
func (e *ExportDirectory) IsForwarded(rva uint32) bool {
	return rva >= e.dir.VirtualAddress && rva < e.dir.VirtualAddress+e.dir.Size
}

func (e *ExportDirectory) symbolFromRVA(ordinal uint16, name string, rva uint32) ExportedSymbol {
	sym := ExportedSymbol{Ordinal: ordinal, Name: name, RVA: Rva(rva)}
	if e.IsForwarded(rva) {
		fwd, ok := ReadString(e.v, Rva(rva))
		if ok {
			sym.IsForwarder = true
			sym.Forwarder = fwd
		}
	}
	return sym
}

// SymbolByOrdinal resolves a public ordinal (as documented/exported,
// i.e. already including Base) to its symbol, or ok=false if that ordinal
// slot is unused or out of range.
func (e *ExportDirectory) SymbolByOrdinal(ordinal uint16) (ExportedSymbol, bool) {
	if uint32(ordinal) < e.Base {
		return ExportedSymbol{}, false
	}
	idx := int(uint32(ordinal) - e.Base)
	if idx < 0 || idx >= len(e.functions) {
		return ExportedSymbol{}, false
	}
	rva := e.functions[idx]
	if rva == 0 {
		return ExportedSymbol{}, false
	}
	name, _ := e.nameFromOrdinalIndex(uint16(idx))
	return e.symbolFromRVA(ordinal, name, rva), true
}

// SymbolByName resolves an exported name to its symbol by scanning Names
// for a match and following NameIndices to the matching Functions slot.
//
// The pairing here is (Names[i], NameIndices[i]) — NameIndices is a table
// of function-table indices parallel to Names, distinct from Functions
// itself. An earlier implementation of this lookup (and the original it
// was translated from) paired Names with itself, a transposition bug that
// this corrects per the name-ordinal-table semantics documented for the
// export directory.
func (e *ExportDirectory) SymbolByName(name string) (ExportedSymbol, bool) {
	for i, nameRVA := range e.names {
		s, ok := ReadString(e.v, Rva(nameRVA))
		if !ok || s != name {
			continue
		}
		if i >= len(e.nameOrdinals) {
			return ExportedSymbol{}, false
		}
		funcIdx := e.nameOrdinals[i]
		if int(funcIdx) >= len(e.functions) {
			return ExportedSymbol{}, false
		}
		rva := e.functions[funcIdx]
		if rva == 0 {
			return ExportedSymbol{}, false
		}
		ordinal := uint16(funcIdx) + uint16(e.Base)
		return e.symbolFromRVA(ordinal, name, rva), true
	}
	return ExportedSymbol{}, false
}

// nameFromOrdinalIndex recovers the exported name, if any, for the given
// index into Functions, by scanning NameIndices for a match.
func (e *ExportDirectory) nameFromOrdinalIndex(funcIdx uint16) (string, bool) {
	for i, idx := range e.nameOrdinals {
		if idx != funcIdx {
			continue
		}
		if i >= len(e.names) {
			return "", false
		}
		s, ok := ReadString(e.v, Rva(e.names[i]))
		return s, ok
	}
	return "", false
}

// NameFromOrdinal resolves the exported name, if any, bound to a public
// ordinal (already including Base), independent of whether that ordinal's
// function-table slot is populated. Unlike SymbolByOrdinal, which returns
// early when the slot is empty, this still consults the name-ordinal table.
func (e *ExportDirectory) NameFromOrdinal(ordinal uint16) (string, bool) {
	if uint32(ordinal) < e.Base {
		return "", false
	}
	idx := int(uint32(ordinal) - e.Base)
	if idx < 0 || idx > 0xFFFF {
		return "", false
	}
	return e.nameFromOrdinalIndex(uint16(idx))
}

// All decodes every used ordinal slot into an ExportedSymbol, in ordinal
// order. This is the realization of the "ExportIterator" described for
// exports: it walks the function table directly rather than the name
// table, so ordinal-only exports are included.
func (e *ExportDirectory) All() []ExportedSymbol {
	out := make([]ExportedSymbol, 0, len(e.functions))
	for idx, rva := range e.functions {
		if rva == 0 {
			continue
		}
		ordinal := uint16(idx) + uint16(e.Base)
		name, _ := e.nameFromOrdinalIndex(uint16(idx))
		out = append(out, e.symbolFromRVA(ordinal, name, rva))
	}
	return out
}

const maxExportEntries = 1 << 20

// parseExports decodes the export directory named by the data directory
// entry. Absent an export directory, returns (nil, nil): a library with no
// exports is not an error (§7).
func (v *View) parseExports() (*ExportDirectory, error) {
	dd, ok := v.DataDirectory(ImageDirectoryEntryExport)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	raw, ok := ReadStruct[ImageExportDirectory](v, Rva(dd.VirtualAddress))
	if !ok {
		corrupt("export", "directory header runs past the buffer")
	}
	if raw.NumberOfFunctions > maxExportEntries || raw.NumberOfNames > maxExportEntries {
		return nil, fmt.Errorf("export: implausible table size (functions=%d names=%d)", raw.NumberOfFunctions, raw.NumberOfNames)
	}

	functions, ok := ReadSlice[uint32](v, Rva(raw.AddressOfFunctions), int(raw.NumberOfFunctions))
	if !ok {
		return nil, fmt.Errorf("export: function table out of bounds")
	}
	var names []uint32
	var ordinals []uint16
	if raw.NumberOfNames > 0 {
		names, ok = ReadSlice[uint32](v, Rva(raw.AddressOfNames), int(raw.NumberOfNames))
		if !ok {
			return nil, fmt.Errorf("export: name table out of bounds")
		}
		ordinals, ok = ReadSlice[uint16](v, Rva(raw.AddressOfNameOrdinals), int(raw.NumberOfNames))
		if !ok {
			return nil, fmt.Errorf("export: name-ordinal table out of bounds")
		}
	}

	name, _ := ReadString(v, Rva(raw.Name))

	return &ExportDirectory{
		Name:         name,
		Base:         raw.Base,
		functions:    functions,
		names:        names,
		nameOrdinals: ordinals,
		dir:          dd,
		v:            v,
	}, nil
}
