// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command pedump dumps the directories of a PE file as indented text. It
// is a thin demonstration of the pe package and holds no decoding logic
// of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pe "github.com/coredump-labs/winpe"
)

var (
	wantImports   bool
	wantExports   bool
	wantRelocs    bool
	wantResources bool
	wantHeaders   bool
	wantAll       bool
)

func main() {
	root := &cobra.Command{
		Use:   "pedump",
		Short: "Inspect the structure of a Windows PE file",
	}
	root.AddCommand(newDumpCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Decode and print a PE file's directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("pedump: %v", r)
				}
			}()
			return dump(args[0])
		},
	}
	cmd.Flags().BoolVar(&wantImports, "imports", false, "print the import directory")
	cmd.Flags().BoolVar(&wantExports, "exports", false, "print the export directory")
	cmd.Flags().BoolVar(&wantRelocs, "relocs", false, "print base relocations")
	cmd.Flags().BoolVar(&wantResources, "resources", false, "print the resource tree")
	cmd.Flags().BoolVar(&wantHeaders, "headers", false, "print the section table")
	cmd.Flags().BoolVar(&wantAll, "all", false, "print every directory")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print pedump's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("pedump (coredump-labs/winpe)")
			return nil
		},
	}
}

func dump(path string) error {
	img, err := pe.Open(path, &pe.Options{})
	if err != nil {
		return err
	}
	defer img.Close()

	all := wantAll || (!wantImports && !wantExports && !wantRelocs && !wantResources && !wantHeaders)

	if wantHeaders || all {
		printHeaders(img)
	}
	if wantImports || all {
		printImports(img)
	}
	if wantExports || all {
		printExports(img)
	}
	if wantRelocs || all {
		printRelocs(img)
	}
	if wantResources || all {
		printResources(img)
	}
	return nil
}

func printHeaders(img *pe.Image) {
	fmt.Println("Sections:")
	for _, s := range img.Sections {
		fmt.Printf("  %-8s VA=0x%08x VSize=0x%08x RawPtr=0x%08x RawSize=0x%08x\n",
			s.Name8(), s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData)
	}
}

func printImports(img *pe.Image) {
	fmt.Println("Imports:")
	for _, d := range img.Imports {
		fmt.Printf("  %s\n", d.DLLName)
		for _, f := range d.Functions {
			if f.ByOrdinal {
				fmt.Printf("    #%d\n", f.Ordinal)
			} else {
				fmt.Printf("    %s (hint %d)\n", f.Name, f.Hint)
			}
		}
	}
}

func printExports(img *pe.Image) {
	if img.Export == nil {
		return
	}
	fmt.Printf("Exports (module %q):\n", img.Export.Name)
	for _, sym := range img.Export.All() {
		if sym.IsForwarder {
			fmt.Printf("  #%d %s -> %s\n", sym.Ordinal, sym.Name, sym.Forwarder)
		} else {
			fmt.Printf("  #%d %s = 0x%x\n", sym.Ordinal, sym.Name, sym.RVA)
		}
	}
}

func printRelocs(img *pe.Image) {
	fmt.Println("Base relocations:")
	for _, b := range img.Relocations {
		fmt.Printf("  page 0x%08x: %d entries\n", b.PageRVA, len(b.Entries))
	}
}

func printResources(img *pe.Image) {
	if img.Resources == nil {
		return
	}
	fmt.Println("Resources:")
	printResourceNode(img.Resources, 1)
}

func printResourceNode(n *pe.ResourceNode, depth int) {
	for _, c := range n.Children {
		fmt.Printf("%s%s\n", indent(depth), c.ID.String())
		if c.Data != nil {
			fmt.Printf("%s  %d bytes, codepage %d\n", indent(depth), len(c.Data.Bytes), c.Data.CodePage)
		}
		printResourceNode(&c, depth+1)
	}
}

func indent(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += "  "
	}
	return s
}
