// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/coredump-labs/winpe/internal/xlog"
)

// Options configures how Open/OpenMapped/NewBytes load and decode a PE
// image.
type Options struct {
	// Fast skips directory decoding: loading stops after the section
	// headers, leaving Imports/Export/Relocations/Resources empty.
	Fast bool

	// MaxResourceDepth bounds recursive resource-tree traversal (§4.6),
	// rejecting cyclic directory offsets. Zero selects the default (32).
	MaxResourceDepth int

	// Logger receives recoverable-anomaly diagnostics found while
	// decoding (a directory whose decoding failed or panicked, a BSS-like
	// section with VirtualSize zero). Individual entries a decoder skips
	// inside a directory are not logged. Nil disables logging.
	Logger xlog.Logger
}

func (o *Options) maxResourceDepth() int {
	if o == nil || o.MaxResourceDepth <= 0 {
		return 32
	}
	return o.MaxResourceDepth
}

func (o *Options) logger() *xlog.Helper {
	if o == nil {
		return xlog.NewHelper(nil)
	}
	return xlog.NewHelper(o.Logger)
}

// Image owns a decoded PE file: the remapped buffer backing its View, plus
// whatever directories parseDirectories decoded. The zero value is not usable;
// construct one with Open, OpenMapped, or NewBytes.
type Image struct {
	*View

	Sections []ImageSectionHeader

	Imports     []ImportDescriptor
	Export      *ExportDirectory
	Relocations []RelocationBlock
	Resources   *ResourceNode

	opts   Options
	log    *xlog.Helper
	closer io.Closer
}

// Close releases any OS resources (an mmap'd region, an open file
// descriptor) the Image holds. Images built from NewBytes over a
// caller-owned slice have nothing to release and Close is a no-op.
func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	return img.closer.Close()
}

const (
	maxSaneSizeOfHeaders   = 0x1000
	maxSaneNumberOfSecs    = 100
	maxElfanew             = 0x200
	minOptionalHeaderMagic = 2 // just the magic field
)

// Open loads path from disk and produces an Image whose buffer has been
// remapped from file order into virtual order: section N's bytes live at
// buf[VirtualAddress:VirtualAddress+len], not at their on-disk offset. This
// mirrors the remap pelite's PeFile::open performs (map_sections in
// pe32/pefile.rs) and is required by the mapped-view invariant (§3) — a
// plain mmap.Map of the file, as the teacher's File.New did, would instead
// hand back on-disk layout.
func Open(path string, opts *Options) (img *Image, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newLoadError(KindIO, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, newLoadError(KindIO, err)
	}
	fileSize := st.Size()

	buf, err := remapFromReader(f, fileSize, opts.logger())
	if err != nil {
		return nil, err
	}

	image, err := newImageFromBuffer(buf, opts)
	if err != nil {
		return nil, err
	}
	image.closer = f
	return image, nil
}

// OpenMapped mmaps path read-only and treats the mapped region directly as
// an already virtually-laid-out buffer, bypassing the file-order-to-
// virtual-order remap Open performs. Use this for an image a loader (the
// OS, or an external tool) has already mapped into its final, relocatable
// layout — not for an ordinary file sitting on disk in its on-disk section
// layout, which Open is for.
func OpenMapped(path string, opts *Options) (img *Image, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newLoadError(KindIO, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, newLoadError(KindIO, err)
	}

	image, err := newImageFromBuffer([]byte(m), opts)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	image.closer = &mmapCloser{m: m, f: f}
	return image, nil
}

type mmapCloser struct {
	m mmap.MMap
	f *os.File
}

func (c *mmapCloser) Close() error {
	err := c.m.Unmap()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// NewBytes wraps an in-memory buffer that the caller asserts is already
// laid out in virtual-address order (e.g. bytes obtained from the current
// process's own image via CurrentImage, or read out of another process).
// No remap is performed.
func NewBytes(data []byte, opts *Options) (*Image, error) {
	return newImageFromBuffer(data, opts)
}

// remapFromReader implements the two-pass header read and file-order to
// virtual-order section remap, grounded in PeFile::open/map_sections.
func remapFromReader(r io.ReaderAt, fileSize int64, log *xlog.Helper) ([]byte, error) {
	var dosHdr ImageDOSHeader
	dosSize := int64(unsafe.Sizeof(dosHdr))
	if fileSize < dosSize {
		return nil, newLoadError(KindIO, ErrTinyFile)
	}

	head := make([]byte, dosSize)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, newLoadError(KindIO, err)
	}
	dos := (*ImageDOSHeader)(unsafe.Pointer(&head[0]))
	if dos.Magic != ImageDOSSignature {
		return nil, newLoadError(KindBadMagic, ErrDOSMagicNotFound)
	}
	if dos.AddressOfNewEXEHeader == 0 || dos.AddressOfNewEXEHeader > maxElfanew {
		return nil, newLoadError(KindInsanity, ErrInvalidElfanewValue)
	}

	// Read through the end of the fixed NT-header prefix (signature +
	// COFF file header) so we know the optional header's width and size.
	ntFixedSize := int64(unsafe.Sizeof(uint32(0)) + unsafe.Sizeof(ImageFileHeader{}))
	ntOff := int64(dos.AddressOfNewEXEHeader)
	if fileSize < ntOff+ntFixedSize+2 {
		return nil, newLoadError(KindIO, io.ErrUnexpectedEOF)
	}

	ntFixed := make([]byte, ntFixedSize+2)
	if _, err := r.ReadAt(ntFixed, ntOff); err != nil {
		return nil, newLoadError(KindIO, err)
	}
	signature := *(*uint32)(unsafe.Pointer(&ntFixed[0]))
	if signature != ImageNTSignature {
		return nil, newLoadError(KindBadMagic, ErrImageNtSignatureNotFound)
	}
	fh := (*ImageFileHeader)(unsafe.Pointer(&ntFixed[unsafe.Sizeof(uint32(0))]))
	if fh.NumberOfSections > maxSaneNumberOfSecs {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: %d sections", ErrInsaneHeaderField, fh.NumberOfSections))
	}
	optMagic := *(*uint16)(unsafe.Pointer(&ntFixed[ntFixedSize]))
	is64 := optMagic == ImageNtOptionalHeader64Magic
	if !is64 && optMagic != ImageNtOptionalHeader32Magic {
		return nil, newLoadError(KindBadMagic, ErrImageOptionalHeaderMagicNotFound)
	}

	var minOptSize, sizeOfImage, sizeOfHeaders, numberOfRvaAndSizes uint32
	optOff := ntOff + ntFixedSize
	if is64 {
		var oh ImageOptionalHeader64
		minOptSize = uint32(unsafe.Sizeof(oh))
		b := make([]byte, minOptSize)
		if fileSize < optOff+int64(minOptSize) {
			return nil, newLoadError(KindIO, io.ErrUnexpectedEOF)
		}
		if _, err := r.ReadAt(b, optOff); err != nil {
			return nil, newLoadError(KindIO, err)
		}
		p := (*ImageOptionalHeader64)(unsafe.Pointer(&b[0]))
		sizeOfImage, sizeOfHeaders, numberOfRvaAndSizes = p.SizeOfImage, p.SizeOfHeaders, p.NumberOfRvaAndSizes
	} else {
		var oh ImageOptionalHeader32
		minOptSize = uint32(unsafe.Sizeof(oh))
		b := make([]byte, minOptSize)
		if fileSize < optOff+int64(minOptSize) {
			return nil, newLoadError(KindIO, io.ErrUnexpectedEOF)
		}
		if _, err := r.ReadAt(b, optOff); err != nil {
			return nil, newLoadError(KindIO, err)
		}
		p := (*ImageOptionalHeader32)(unsafe.Pointer(&b[0]))
		sizeOfImage, sizeOfHeaders, numberOfRvaAndSizes = p.SizeOfImage, p.SizeOfHeaders, p.NumberOfRvaAndSizes
	}

	if uint32(fh.SizeOfOptionalHeader) < minOptSize {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: SizeOfOptionalHeader too small", ErrInsaneHeaderField))
	}
	if numberOfRvaAndSizes > 16 {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: NumberOfRvaAndSizes=%d", ErrInsaneHeaderField, numberOfRvaAndSizes))
	}
	if sizeOfHeaders > maxSaneSizeOfHeaders {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: SizeOfHeaders=%d", ErrInsaneHeaderField, sizeOfHeaders))
	}

	secBegin := optOff + int64(fh.SizeOfOptionalHeader)
	secHdrSize := int64(unsafe.Sizeof(ImageSectionHeader{}))
	secEnd := secBegin + int64(fh.NumberOfSections)*secHdrSize
	if secEnd > int64(sizeOfHeaders) && sizeOfHeaders != 0 {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: section table runs past SizeOfHeaders", ErrInsaneHeaderField))
	}

	hdrBytes := secEnd
	if int64(sizeOfHeaders) > hdrBytes {
		hdrBytes = int64(sizeOfHeaders)
	}
	if hdrBytes > fileSize {
		hdrBytes = fileSize
	}

	if sizeOfImage == 0 || int64(sizeOfImage) < hdrBytes {
		return nil, newLoadError(KindInsanity, fmt.Errorf("%w: SizeOfImage=%d", ErrInsaneHeaderField, sizeOfImage))
	}

	secTable := make([]byte, secEnd-secBegin)
	if secEnd <= fileSize {
		if _, err := r.ReadAt(secTable, secBegin); err != nil {
			return nil, newLoadError(KindIO, err)
		}
	}
	sections := unsafe.Slice((*ImageSectionHeader)(unsafe.Pointer(&secTable[0])), fh.NumberOfSections)

	buf := make([]byte, sizeOfImage)
	if _, err := r.ReadAt(buf[:hdrBytes], 0); err != nil && err != io.EOF {
		return nil, newLoadError(KindIO, err)
	}

	for i := range sections {
		s := &sections[i]
		if s.VirtualSize == 0 {
			// A BSS-like section with no virtual extent: not a
			// sanity violation (the documented relaxation of the
			// original's blanket rejection), just nothing to copy.
			log.Debugf("section %q has VirtualSize 0, skipping copy", s.Name8())
			continue
		}
		if s.VirtualAddress < uint32(hdrBytes) {
			return nil, newLoadError(KindInsanity, fmt.Errorf("%w: section %q overlaps headers", ErrInsaneHeaderField, s.Name8()))
		}
		if uint64(s.VirtualAddress)+uint64(s.VirtualSize) > uint64(len(buf)) {
			return nil, newLoadError(KindInsanity, fmt.Errorf("%w: section %q runs past SizeOfImage", ErrInsaneHeaderField, s.Name8()))
		}
		if s.PointerToRawData == 0 || s.SizeOfRawData == 0 {
			continue
		}
		n := s.SizeOfRawData
		if n > s.VirtualSize {
			n = s.VirtualSize
		}
		if int64(s.PointerToRawData)+int64(n) > fileSize {
			if fileSize > int64(s.PointerToRawData) {
				n = uint32(fileSize - int64(s.PointerToRawData))
			} else {
				continue
			}
		}
		dst := buf[s.VirtualAddress : uint64(s.VirtualAddress)+uint64(n)]
		if _, err := r.ReadAt(dst, int64(s.PointerToRawData)); err != nil && err != io.EOF {
			return nil, newLoadError(KindIO, err)
		}
	}

	return buf, nil
}

// newImageFromBuffer builds an Image over a buffer already in virtual
// layout, then calls parseDirectories unless Options.Fast is set.
func newImageFromBuffer(buf []byte, opts *Options) (*Image, error) {
	var o Options
	if opts != nil {
		o = *opts
	}

	v := NewView(buf, Width32, 0)
	fh, ok := v.FileHeader()
	if !ok {
		return nil, newLoadError(KindBadMagic, ErrImageNtSignatureNotFound)
	}
	_ = fh

	oh32, ok32 := v.OptionalHeader32()
	is64 := false
	var vbase Va
	if ok32 && oh32.Magic == ImageNtOptionalHeader32Magic {
		vbase = Va(oh32.ImageBase)
	} else {
		oh64, ok64 := v.OptionalHeader64()
		if !ok64 || oh64.Magic != ImageNtOptionalHeader64Magic {
			return nil, newLoadError(KindBadMagic, ErrImageOptionalHeaderMagicNotFound)
		}
		is64 = true
		vbase = Va(oh64.ImageBase)
	}
	w := Width32
	if is64 {
		w = Width64
	}
	v = NewView(buf, w, vbase)

	sections, _ := v.SectionHeaders()

	img := &Image{
		View:     v,
		Sections: sections,
		opts:     o,
		log:      o.logger(),
	}

	if o.Fast {
		return img, nil
	}
	img.parseDirectories()
	return img, nil
}

// parseDirectories decodes each known data directory, isolating any one
// directory's failure from the others: a panic from a corrupt directory
// (CorruptionError) is recovered and logged rather than aborting the whole
// parse, the same way the teacher's ParseDataDirectories loop wraps each
// directory callback in its own recover.
func (img *Image) parseDirectories() {
	type step struct {
		name string
		run  func()
	}
	steps := []step{
		{"import", func() {
			imports, err := img.View.parseImports()
			if err != nil {
				img.log.Warnf("import directory: %v", err)
				return
			}
			img.Imports = imports
		}},
		{"export", func() {
			exp, err := img.View.parseExports()
			if err != nil {
				img.log.Warnf("export directory: %v", err)
				return
			}
			img.Export = exp
		}},
		{"basereloc", func() {
			relocs, err := img.View.parseRelocations()
			if err != nil {
				img.log.Warnf("relocation directory: %v", err)
				return
			}
			img.Relocations = relocs
		}},
		{"resource", func() {
			root, err := img.View.parseResources(img.opts.maxResourceDepth())
			if err != nil {
				img.log.Warnf("resource directory: %v", err)
				return
			}
			img.Resources = root
		}},
	}

	for _, s := range steps {
		img.runDirectory(s.name, s.run)
	}
}

func (img *Image) runDirectory(name string, run func()) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(*CorruptionError); ok {
				img.log.Errorf("%s", ce.Error())
				return
			}
			img.log.Errorf("%s directory: panic: %v", name, r)
		}
	}()
	run()
}
