// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// ResourceID names one entry of a resource directory level: either a
// predefined/custom numeric ID (most common at the Type and Language
// levels) or a UTF-16 string (common at the Name level for version
// resources and similar).
type ResourceID struct {
	IsName bool
	ID     uint16
	Name   string
}

func (r ResourceID) String() string {
	if r.IsName {
		return r.Name
	}
	return fmt.Sprintf("#%d", r.ID)
}

// ResourceNode is one node of the decoded resource tree: either an
// interior directory node with Children, or a leaf with Data. Exactly one
// of Children/Data is populated.
type ResourceNode struct {
	ID       ResourceID
	Children []ResourceNode
	Data     *ResourceData
}

// ResourceData is the raw payload of a single resource leaf. Decoding the
// payload itself (version info, icon bitmaps, manifest XML) is out of
// scope; callers get the bytes and the declared code page.
type ResourceData struct {
	CodePage uint32
	Bytes    []byte
}

const resourceDirTopBit = 0x80000000

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// readResourceName decodes the length-prefixed UTF-16 string stored at a
// resource-directory-relative offset: a little-endian uint16 length in
// UTF-16 code units, followed by that many code units with no terminator.
func readResourceName(v *View, rva Rva) (string, bool) {
	lenWord, ok := ReadStruct[uint16](v, rva)
	if !ok {
		return "", false
	}
	units := int(*lenWord)
	raw, ok := ReadSlice[byte](v, rva+2, units*2)
	if !ok {
		return "", false
	}
	dec := utf16le.NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// parseResources decodes the resource directory tree rooted at the
// resource data directory entry, down to maxDepth levels. Absent a
// resource directory, returns (nil, nil).
func (v *View) parseResources(maxDepth int) (*ResourceNode, error) {
	dd, ok := v.DataDirectory(ImageDirectoryEntryResource)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	root := &ResourceNode{}
	children, err := v.readResourceDirectory(Rva(dd.VirtualAddress), dd.VirtualAddress, 0, maxDepth)
	if err != nil {
		return nil, err
	}
	root.Children = children
	return root, nil
}

// readResourceDirectory decodes one ImageResourceDirectory node (Type,
// Name, or Language level) at rva, an image RVA (callers add baseRVA to a
// directory-relative child offset), and its immediate children.
func (v *View) readResourceDirectory(rva Rva, baseRVA uint32, depth, maxDepth int) ([]ResourceNode, error) {
	if depth >= maxDepth {
		corrupt("resource", "tree exceeds maximum traversal depth, suspected cycle")
	}

	hdr, ok := ReadStruct[ImageResourceDirectory](v, rva)
	if !ok {
		corrupt("resource", "directory header runs past the buffer")
	}

	total := int(hdr.NumberOfNamedEntries) + int(hdr.NumberOfIdEntries)
	entriesRVA := rva + Rva(resourceDirHeaderSize)
	entries, ok := ReadSlice[ImageResourceDirectoryEntry](v, entriesRVA, total)
	if !ok {
		corrupt("resource", "entry table runs past the buffer")
	}

	out := make([]ResourceNode, 0, total)
	for _, e := range entries {
		id := v.resourceEntryName(e, baseRVA)

		node := ResourceNode{ID: id}
		if e.Offset&resourceDirTopBit != 0 {
			childRVA := Rva(e.Offset &^ resourceDirTopBit)
			children, err := v.readResourceDirectory(Rva(baseRVA)+childRVA, baseRVA, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			node.Children = children
		} else {
			data, err := v.readResourceData(Rva(baseRVA)+Rva(e.Offset), baseRVA)
			if err != nil {
				// A malformed individual leaf doesn't invalidate
				// its siblings; skip it.
				continue
			}
			node.Data = data
		}
		out = append(out, node)
	}
	return out, nil
}

const resourceDirHeaderSize = 16 // Characteristics, TimeDateStamp, Major/MinorVersion, two uint16 counts

func (v *View) resourceEntryName(e ImageResourceDirectoryEntry, baseRVA uint32) ResourceID {
	if e.Name&resourceDirTopBit != 0 {
		nameRVA := Rva(baseRVA) + Rva(e.Name&^resourceDirTopBit)
		if s, ok := readResourceName(v, nameRVA); ok {
			return ResourceID{IsName: true, Name: s}
		}
		return ResourceID{IsName: true, Name: ""}
	}
	return ResourceID{ID: uint16(e.Name & 0xFFFF)}
}

// readResourceData decodes the ImageResourceDataEntry at rva (an image
// RVA; callers add the resource directory's base to the entry's
// directory-relative Offset) and fetches its payload bytes.
// OffsetToData, unlike every other offset at this level, is image-
// absolute rather than resource-directory-relative, so it indexes the
// view directly; an OffsetToData that precedes the resource directory's
// own base RVA is rejected.
func (v *View) readResourceData(rva Rva, baseRVA uint32) (*ResourceData, error) {
	entry, ok := ReadStruct[ImageResourceDataEntry](v, rva)
	if !ok {
		return nil, fmt.Errorf("resource: data entry out of bounds")
	}
	if entry.OffsetToData < baseRVA {
		return nil, fmt.Errorf("resource: data entry OffsetToData 0x%x precedes resource directory base 0x%x", entry.OffsetToData, baseRVA)
	}
	dataRVA := Rva(entry.OffsetToData)
	bytes, ok := ReadSlice[byte](v, dataRVA, int(entry.Size))
	if !ok {
		return nil, fmt.Errorf("resource: data payload out of bounds")
	}
	return &ResourceData{CodePage: entry.CodePage, Bytes: bytes}, nil
}
