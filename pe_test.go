// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

// synthBuilder assembles a minimal, already virtually-laid-out PE32 image
// byte buffer in memory, for exercising View/Image without a real binary
// fixture (none are available in this environment; spec'd as acceptable
// per the testable-properties section).
type synthBuilder struct {
	buf     []byte
	imgSize uint32
}

func newSynthPE32(imgSize uint32) *synthBuilder {
	return &synthBuilder{buf: make([]byte, imgSize), imgSize: imgSize}
}

const (
	synthELfanew   = 0x80
	synthOptOffset = synthELfanew + 4 + 20 // signature + file header
	synthSecOffset = synthOptOffset + 224  // sizeof(ImageOptionalHeader32)
)

func (b *synthBuilder) put16(off int, v uint16) { binary.LittleEndian.PutUint16(b.buf[off:], v) }
func (b *synthBuilder) put32(off int, v uint32) { binary.LittleEndian.PutUint32(b.buf[off:], v) }

// buildHeaders writes a DOS stub, COFF header, and PE32 optional header
// declaring numSections sections and the given ImageBase, with
// SizeOfHeaders ending just past the section table. The section rows
// themselves are left zeroed; setSection fills them in.
func (b *synthBuilder) buildHeaders(numSections uint16, imageBase uint32) {
	b.put16(0, ImageDOSSignature)
	b.put32(0x3c, synthELfanew)

	b.put32(synthELfanew, ImageNTSignature)
	fhOff := synthELfanew + 4
	b.put16(fhOff+0, ImageFileMachineI386)
	b.put16(fhOff+2, numSections)
	b.put16(fhOff+16, 224) // SizeOfOptionalHeader

	b.put16(synthOptOffset, ImageNtOptionalHeader32Magic)
	oh := synthOptOffset
	b.put32(oh+28, imageBase)         // ImageBase
	b.put32(oh+32, 0x1000)            // SectionAlignment
	b.put32(oh+36, 0x200)             // FileAlignment
	b.put32(oh+56, b.imgSize)         // SizeOfImage
	b.put32(oh+60, uint32(synthSecOffset+int(numSections)*40)) // SizeOfHeaders
	b.put32(oh+92, 16)                // NumberOfRvaAndSizes
}

func (b *synthBuilder) setDataDirectory(idx DataDirectoryIndex, rva, size uint32) {
	off := synthOptOffset + 96 + int(idx)*8
	b.put32(off, rva)
	b.put32(off+4, size)
}

func (b *synthBuilder) setSection(i int, name string, rva, vsize uint32) {
	off := synthSecOffset + i*40
	copy(b.buf[off:off+8], name)
	b.put32(off+8, vsize)
	b.put32(off+12, rva)
}

func TestReadStructBoundsAndAlignment(t *testing.T) {
	v := NewView(make([]byte, 16), Width32, 0)

	if _, ok := ReadStruct[uint32](v, 12); !ok {
		t.Fatalf("expected in-bounds read at rva 12 to succeed")
	}
	if _, ok := ReadStruct[uint32](v, 13); ok {
		t.Fatalf("expected misaligned uint32 read at rva 13 to fail")
	}
	if _, ok := ReadStruct[uint32](v, 14); ok {
		t.Fatalf("expected read past end of buffer to fail")
	}
	if _, ok := ReadStruct[uint32](v, BadRva); ok {
		t.Fatalf("expected BadRva to fail")
	}
}

func TestReadStructAlignmentRejection(t *testing.T) {
	type pair struct {
		A uint8
		B uint64
	}
	v := NewView(make([]byte, 64), Width64, 0)
	if _, ok := ReadStruct[pair](v, 1); ok {
		t.Fatalf("expected misaligned struct read to fail alignment check")
	}
	if _, ok := ReadStruct[pair](v, 0); !ok {
		t.Fatalf("expected aligned struct read to succeed")
	}
}

func TestOpenSyntheticPE32(t *testing.T) {
	b := newSynthPE32(0x4000)
	b.buildHeaders(1, 0x400000)
	b.setSection(0, ".text", 0x1000, 0x200)

	dir := t.TempDir()
	path := filepath.Join(dir, "synthetic.exe")
	if err := os.WriteFile(path, b.buf[:0x1200], 0o644); err != nil {
		t.Fatalf("write synthetic file: %v", err)
	}

	img, err := Open(path, &Options{Fast: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if len(img.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(img.Sections))
	}
	if got := img.Sections[0].Name8(); got != ".text" {
		t.Fatalf("section name = %q, want %q", got, ".text")
	}
	if img.ImageBase() != 0x400000 {
		t.Fatalf("ImageBase = 0x%x, want 0x400000", img.ImageBase())
	}
}

func TestOpenRejectsBadDOSMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.exe")
	if err := os.WriteFile(path, make([]byte, 256), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, nil)
	if err == nil {
		t.Fatalf("expected error for all-zero file")
	}
	var le *LoadError
	if !asLoadError(err, &le) {
		t.Fatalf("expected *LoadError, got %T: %v", err, err)
	}
	if le.Kind != KindBadMagic {
		t.Fatalf("Kind = %v, want KindBadMagic", le.Kind)
	}
}

func TestOpenRejectsInsaneSectionCount(t *testing.T) {
	b := newSynthPE32(0x4000)
	b.buildHeaders(200, 0x400000) // exceeds maxSaneNumberOfSecs

	dir := t.TempDir()
	path := filepath.Join(dir, "toomanysections.exe")
	if err := os.WriteFile(path, b.buf, 0o644); err != nil {
		t.Fatalf("write synthetic file: %v", err)
	}

	_, err := Open(path, &Options{Fast: true})
	if err == nil {
		t.Fatalf("expected error for NumberOfSections=200")
	}
	var le *LoadError
	if !asLoadError(err, &le) {
		t.Fatalf("expected *LoadError, got %T: %v", err, err)
	}
	if le.Kind != KindInsanity {
		t.Fatalf("Kind = %v, want KindInsanity", le.Kind)
	}
}

func asLoadError(err error, target **LoadError) bool {
	le, ok := err.(*LoadError)
	if ok {
		*target = le
	}
	return ok
}

func TestImportOrdinalVsByName(t *testing.T) {
	b := newSynthPE32(0x2000)
	b.buildHeaders(0, 0x400000)
	buf := b.buf

	// Import directory at RVA 0x800: one descriptor for "KERNEL32.dll"
	// with an OriginalFirstThunk table of two entries, one by-name, one
	// by-ordinal, terminated by a zero word.
	descRVA := uint32(0x800)
	nameRVA := uint32(0x900)
	thunkRVA := uint32(0xa00)
	byNameEntryRVA := uint32(0xb00)

	copy(buf[nameRVA:], "KERNEL32.dll\x00")

	binary.LittleEndian.PutUint16(buf[byNameEntryRVA:], 7) // hint
	copy(buf[byNameEntryRVA+2:], "Sleep\x00")

	binary.LittleEndian.PutUint32(buf[thunkRVA:], byNameEntryRVA)
	binary.LittleEndian.PutUint32(buf[thunkRVA+4:], 0x80000000|42) // ordinal 42
	binary.LittleEndian.PutUint32(buf[thunkRVA+8:], 0)             // sentinel

	binary.LittleEndian.PutUint32(buf[descRVA:], thunkRVA) // OriginalFirstThunk
	binary.LittleEndian.PutUint32(buf[descRVA+12:], nameRVA)
	binary.LittleEndian.PutUint32(buf[descRVA+16:], 0) // FirstThunk

	// zero sentinel descriptor follows automatically (buffer is zeroed).

	b.setDataDirectory(ImageDirectoryEntryImport, descRVA, 20)

	img, err := NewBytes(buf, &Options{Fast: true})
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}
	v := img.View

	imports, err := v.parseImports()
	if err != nil {
		t.Fatalf("parseImports: %v", err)
	}
	if len(imports) != 1 {
		t.Fatalf("expected 1 import descriptor, got %d", len(imports))
	}
	d := imports[0]
	if d.DLLName != "KERNEL32.dll" {
		t.Fatalf("DLLName = %q", d.DLLName)
	}
	if len(d.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(d.Functions))
	}
	if d.Functions[0].ByOrdinal || d.Functions[0].Name != "Sleep" {
		t.Fatalf("first function should be by-name Sleep, got %+v", d.Functions[0])
	}
	if !d.Functions[1].ByOrdinal || d.Functions[1].Ordinal != 42 {
		t.Fatalf("second function should be ordinal 42, got %+v", d.Functions[1])
	}
}

func TestExportSymbolByNameUsesNameIndices(t *testing.T) {
	buf := make([]byte, 0x3000)
	v := NewView(buf, Width32, 0x400000)

	funcsRVA := uint32(0x500)
	namesRVA := uint32(0x520)
	ordsRVA := uint32(0x530)
	name1RVA := uint32(0x600)
	name2RVA := uint32(0x610)

	binary.LittleEndian.PutUint32(buf[funcsRVA:], 0x1000)   // ordinal base+0
	binary.LittleEndian.PutUint32(buf[funcsRVA+4:], 0x2000) // ordinal base+1

	binary.LittleEndian.PutUint32(buf[namesRVA:], name1RVA)
	binary.LittleEndian.PutUint32(buf[namesRVA+4:], name2RVA)
	copy(buf[name1RVA:], "Alpha\x00")
	copy(buf[name2RVA:], "Beta\x00")

	// Names[0]="Alpha" maps to function index 1, Names[1]="Beta" maps to
	// function index 0 — a non-identity mapping that only resolves
	// correctly if NameIndices (not Names-as-its-own-index) drives the
	// lookup.
	binary.LittleEndian.PutUint16(buf[ordsRVA:], 1)
	binary.LittleEndian.PutUint16(buf[ordsRVA+2:], 0)

	exp := &ExportDirectory{
		Base:         1,
		functions:    []uint32{0x1000, 0x2000},
		names:        []uint32{name1RVA, name2RVA},
		nameOrdinals: []uint16{1, 0},
		v:            v,
	}

	sym, ok := exp.SymbolByName("Alpha")
	if !ok {
		t.Fatalf("SymbolByName(Alpha) not found")
	}
	if sym.RVA != 0x2000 {
		t.Fatalf("Alpha resolved to RVA 0x%x, want 0x2000 (function index 1)", sym.RVA)
	}

	sym, ok = exp.SymbolByName("Beta")
	if !ok {
		t.Fatalf("SymbolByName(Beta) not found")
	}
	if sym.RVA != 0x1000 {
		t.Fatalf("Beta resolved to RVA 0x%x, want 0x1000 (function index 0)", sym.RVA)
	}
}

func TestExportForwarderDetection(t *testing.T) {
	buf := make([]byte, 0x2000)
	v := NewView(buf, Width32, 0x400000)

	forwarderStr := "NTDLL.RtlZeroMemory\x00"
	copy(buf[0x150:], forwarderStr)

	exp := &ExportDirectory{
		Base:      1,
		functions: []uint32{0x150},
		dir:       DataDirectory{VirtualAddress: 0x100, Size: 0x200},
		v:         v,
	}
	sym, ok := exp.SymbolByOrdinal(1)
	if !ok {
		t.Fatalf("SymbolByOrdinal(1) not found")
	}
	if !sym.IsForwarder {
		t.Fatalf("expected forwarder detection for RVA inside export directory extent")
	}
	if sym.Forwarder != "NTDLL.RtlZeroMemory" {
		t.Fatalf("Forwarder = %q", sym.Forwarder)
	}
}

func TestRelocationBlockDecoding(t *testing.T) {
	buf := make([]byte, 0x2000)
	v := NewView(buf, Width64, 0)

	blockRVA := uint32(0x100)
	binary.LittleEndian.PutUint32(buf[blockRVA:], 0x1000) // VirtualAddress
	binary.LittleEndian.PutUint32(buf[blockRVA+4:], 8+2*2) // SizeOfBlock: header + 2 entries

	entry0 := uint16(ImageRelBasedDir64)<<12 | 0x010
	entry1 := uint16(ImageRelBasedAbsolute)<<12 | 0x000
	binary.LittleEndian.PutUint16(buf[blockRVA+8:], entry0)
	binary.LittleEndian.PutUint16(buf[blockRVA+10:], entry1)

	blocks := []RelocationBlock{}
	hdr, ok := ReadStruct[ImageBaseRelocation](v, Rva(blockRVA))
	if !ok {
		t.Fatalf("failed to read synthetic relocation header")
	}
	entries, ok := ReadSlice[ImageBaseRelocEntry](v, Rva(blockRVA+8), 2)
	if !ok {
		t.Fatalf("failed to read synthetic relocation entries")
	}
	blocks = append(blocks, RelocationBlock{PageRVA: Rva(hdr.VirtualAddress), Entries: entries})

	if blocks[0].Entries[0].Type() != ImageRelBasedDir64 {
		t.Fatalf("entry 0 type = %d, want DIR64", blocks[0].Entries[0].Type())
	}
	if blocks[0].RVAOf(blocks[0].Entries[0]) != 0x1010 {
		t.Fatalf("RVAOf = 0x%x, want 0x1010", blocks[0].RVAOf(blocks[0].Entries[0]))
	}
}

func TestParseRelocationsWalksDirectory(t *testing.T) {
	b := newSynthPE32(0x3000)
	b.buildHeaders(0, 0x400000)
	buf := b.buf

	block1RVA := uint32(0x800)
	binary.LittleEndian.PutUint32(buf[block1RVA:], 0x1000) // VirtualAddress
	binary.LittleEndian.PutUint32(buf[block1RVA+4:], 12)    // header + 2 entries
	binary.LittleEndian.PutUint16(buf[block1RVA+8:], uint16(ImageRelBasedDir64)<<12|0x004)
	binary.LittleEndian.PutUint16(buf[block1RVA+10:], uint16(ImageRelBasedAbsolute)<<12|0x000)

	block2RVA := block1RVA + 12
	binary.LittleEndian.PutUint32(buf[block2RVA:], 0x2000) // VirtualAddress
	binary.LittleEndian.PutUint32(buf[block2RVA+4:], 10)    // header + 1 entry
	binary.LittleEndian.PutUint16(buf[block2RVA+8:], uint16(ImageRelBasedAbsolute)<<12|0x000)

	b.setDataDirectory(ImageDirectoryEntryBaseReloc, block1RVA, 12+10)

	img, err := NewBytes(buf, &Options{Fast: true})
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}

	blocks, err := img.View.parseRelocations()
	if err != nil {
		t.Fatalf("parseRelocations: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].PageRVA != 0x1000 || len(blocks[0].Entries) != 2 {
		t.Fatalf("block 0 = %+v", blocks[0])
	}
	if blocks[1].PageRVA != 0x2000 || len(blocks[1].Entries) != 1 {
		t.Fatalf("block 1 = %+v", blocks[1])
	}
}

func TestParseRelocationsRejectsUndersizedBlock(t *testing.T) {
	b := newSynthPE32(0x2000)
	b.buildHeaders(0, 0x400000)
	buf := b.buf

	blockRVA := uint32(0x800)
	binary.LittleEndian.PutUint32(buf[blockRVA:], 0x1000) // VirtualAddress
	binary.LittleEndian.PutUint32(buf[blockRVA+4:], 8)     // SizeOfBlock == header size, must be rejected
	b.setDataDirectory(ImageDirectoryEntryBaseReloc, blockRVA, 8)

	img, err := NewBytes(buf, &Options{Fast: true})
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}

	if _, err := img.View.parseRelocations(); err == nil {
		t.Fatalf("expected error for SizeOfBlock == header size")
	}
}

func TestResourceDataRebasing(t *testing.T) {
	buf := make([]byte, 0x3000)
	v := NewView(buf, Width32, 0)

	baseRVA := uint32(0x200)
	// Resource directory header at baseRVA: 0 named, 1 ID entry.
	binary.LittleEndian.PutUint16(buf[baseRVA+12:], 0)
	binary.LittleEndian.PutUint16(buf[baseRVA+14:], 1)

	entryOff := baseRVA + resourceDirHeaderSize
	binary.LittleEndian.PutUint32(buf[entryOff:], uint32(RTManifest)) // Name (ID, no top bit)
	dataEntryRVAOffsetFromBase := uint32(0x40)
	binary.LittleEndian.PutUint32(buf[entryOff+4:], dataEntryRVAOffsetFromBase) // Offset, resource-relative, no top bit => data leaf

	dataEntryRVA := baseRVA + dataEntryRVAOffsetFromBase
	payloadRVA := baseRVA + 0x100
	binary.LittleEndian.PutUint32(buf[dataEntryRVA:], payloadRVA) // OffsetToData: image-absolute
	binary.LittleEndian.PutUint32(buf[dataEntryRVA+4:], 4)        // Size
	binary.LittleEndian.PutUint32(buf[dataEntryRVA+8:], 1252)     // CodePage
	copy(buf[payloadRVA:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	children, err := v.readResourceDirectory(Rva(baseRVA), baseRVA, 0, 32)
	if err != nil {
		t.Fatalf("readResourceDirectory: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	leaf := children[0]
	if leaf.ID.ID != RTManifest {
		t.Fatalf("ID = %d, want RTManifest", leaf.ID.ID)
	}
	if leaf.Data == nil {
		t.Fatalf("expected data leaf")
	}
	if leaf.Data.CodePage != 1252 {
		t.Fatalf("CodePage = %d, want 1252", leaf.Data.CodePage)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if string(leaf.Data.Bytes) != string(want) {
		t.Fatalf("Bytes = %x, want %x", leaf.Data.Bytes, want)
	}
}

func TestResourceDepthBoundRejectsCycle(t *testing.T) {
	buf := make([]byte, 0x1000)
	v := NewView(buf, Width32, 0)

	// A directory whose single entry points back at itself as a
	// subdirectory: must be rejected by the depth bound rather than
	// looping forever.
	binary.LittleEndian.PutUint16(buf[14:], 1) // NumberOfIdEntries
	entryOff := resourceDirHeaderSize
	binary.LittleEndian.PutUint32(buf[entryOff:], 1)                               // Name = ID 1
	binary.LittleEndian.PutUint32(buf[entryOff+4:], resourceDirTopBit|uint32(0)) // points back to rva 0

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic from depth bound")
		}
		if _, ok := r.(*CorruptionError); !ok {
			t.Fatalf("expected *CorruptionError, got %T", r)
		}
	}()
	_, _ = v.readResourceDirectory(0, 0, 0, 4)
}

func TestRVAVAConversion(t *testing.T) {
	v := NewView(make([]byte, 16), Width64, 0x140000000)
	if got := v.RVAToVA(0x1000); got != 0x140001000 {
		t.Fatalf("RVAToVA = 0x%x", got)
	}
	if got := v.VAToRVA(0x140001000); got != 0x1000 {
		t.Fatalf("VAToRVA = 0x%x", got)
	}
	if v.RVAToVA(BadRva) != BadVa {
		t.Fatalf("RVAToVA(BadRva) should be BadVa")
	}
}

func TestSectionHeaderSize(t *testing.T) {
	var s ImageSectionHeader
	if unsafe.Sizeof(s) != 40 {
		t.Fatalf("ImageSectionHeader size = %d, want 40", unsafe.Sizeof(s))
	}
}
