// Command privldump parses a PE file offline (no mapping, no execution) and
// prints the directory tables this loader actually cares about: headers,
// sections, imports, exports, base relocations. Because it runs the same
// bounds-checked reader the loader uses at load time, a file privldump can
// dump cleanly is a file the loader can at least parse.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/shadowveil/privldr/pe"
)

func prettyPrint(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "\t"); err != nil {
		return string(raw)
	}
	return buf.String()
}

// headerSummary flattens pe.NTHeaders' word-size-agnostic accessors into a
// JSON-friendly shape, since OptionalHeader32/64 are unexported fields
// behind those accessors.
type headerSummary struct {
	Is64                bool   `json:"is64"`
	Machine             uint16 `json:"machine"`
	ImageBase           uint64 `json:"imageBase"`
	SizeOfImage         uint32 `json:"sizeOfImage"`
	SizeOfHeaders       uint32 `json:"sizeOfHeaders"`
	SectionAlignment    uint32 `json:"sectionAlignment"`
	AddressOfEntryPoint uint32 `json:"addressOfEntryPoint"`
}

func dumpHeaders(img *pe.Image) headerSummary {
	nt := img.NTHeaders()
	return headerSummary{
		Is64:                img.Is64(),
		Machine:             nt.FileHeader.Machine,
		ImageBase:           nt.ImageBase(),
		SizeOfImage:         nt.SizeOfImage(),
		SizeOfHeaders:       nt.SizeOfHeaders(),
		SectionAlignment:    nt.SectionAlignment(),
		AddressOfEntryPoint: nt.AddressOfEntryPoint(),
	}
}

type sectionSummary struct {
	Name            string `json:"name"`
	VirtualAddress  uint32 `json:"virtualAddress"`
	VirtualSize     uint32 `json:"virtualSize"`
	SizeOfRawData   uint32 `json:"sizeOfRawData"`
	Characteristics uint32 `json:"characteristics"`
}

func dumpSections(img *pe.Image) []sectionSummary {
	sections := img.Sections()
	out := make([]sectionSummary, 0, len(sections))
	for _, s := range sections {
		out = append(out, sectionSummary{
			Name:            s.NameString(),
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			SizeOfRawData:   s.SizeOfRawData,
			Characteristics: s.Characteristics,
		})
	}
	return out
}

type importSummary struct {
	Module string   `json:"module"`
	Names  []string `json:"names"`
}

func dumpImports(img *pe.Image) ([]importSummary, error) {
	descs, err := img.ImportDescriptors()
	if err != nil {
		return nil, fmt.Errorf("import descriptors: %w", err)
	}
	out := make([]importSummary, 0, len(descs))
	for _, d := range descs {
		name, err := img.ImportName(d)
		if err != nil {
			return nil, fmt.Errorf("import name: %w", err)
		}
		thunks, err := img.Thunks(d)
		if err != nil {
			return nil, fmt.Errorf("%s: thunks: %w", name, err)
		}
		names := make([]string, 0, len(thunks))
		for _, t := range thunks {
			names = append(names, t.Name)
		}
		out = append(out, importSummary{Module: name, Names: names})
	}
	return out, nil
}

type exportSummary struct {
	Name      string `json:"name"`
	Ordinal   uint16 `json:"ordinal"`
	RVA       uint32 `json:"rva,omitempty"`
	Forwarder string `json:"forwarder,omitempty"`
}

func dumpExports(img *pe.Image) ([]exportSummary, error) {
	entries, err := img.Exports()
	if err != nil {
		return nil, fmt.Errorf("exports: %w", err)
	}
	out := make([]exportSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, exportSummary{Name: e.Name, Ordinal: e.Ordinal, RVA: e.RVA, Forwarder: e.Forwarder})
	}
	return out, nil
}

func parsePE(filename string, cmd *cobra.Command) error {
	img, err := pe.NewFromFile(filename)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	if want, _ := cmd.Flags().GetBool("all"); want {
		cmd.Flags().Set("headers", "true")
		cmd.Flags().Set("sections", "true")
		cmd.Flags().Set("imports", "true")
		cmd.Flags().Set("exports", "true")
		cmd.Flags().Set("relocs", "true")
	}

	if want, _ := cmd.Flags().GetBool("headers"); want {
		fmt.Println(prettyPrint(dumpHeaders(img)))
	}
	if want, _ := cmd.Flags().GetBool("sections"); want {
		fmt.Println(prettyPrint(dumpSections(img)))
	}
	if want, _ := cmd.Flags().GetBool("imports"); want {
		imports, err := dumpImports(img)
		if err != nil {
			return err
		}
		fmt.Println(prettyPrint(imports))
	}
	if want, _ := cmd.Flags().GetBool("exports"); want {
		exports, err := dumpExports(img)
		if err != nil {
			return err
		}
		fmt.Println(prettyPrint(exports))
	}
	if want, _ := cmd.Flags().GetBool("relocs"); want {
		relocs, err := img.Relocations()
		if err != nil {
			return fmt.Errorf("relocations: %w", err)
		}
		fmt.Println(prettyPrint(relocs))
	}
	return nil
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Dumps the file's PE directory tables",
		Long:  "Parses a PE image file (offline, never mapped or executed) and prints the headers, sections, imports, exports and relocations this loader understands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return parsePE(args[0], cmd)
		},
	}
	cmd.Flags().Bool("headers", false, "dump the NT headers summary")
	cmd.Flags().Bool("sections", false, "dump section headers")
	cmd.Flags().Bool("imports", false, "dump the import table")
	cmd.Flags().Bool("exports", false, "dump the export table")
	cmd.Flags().Bool("relocs", false, "dump base relocation entries")
	cmd.Flags().Bool("all", false, "dump everything")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("privldump 0.1.0")
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "privldump",
		Short: "Offline inspector for the PE images this loader maps",
		Long:  "privldump parses a PE file with the same bounds-checked reader the private loader uses at load time, without mapping or executing anything, and prints whichever directory tables are requested as JSON.",
	}
	root.AddCommand(newDumpCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		log.SetFlags(0)
		log.Println(err)
		os.Exit(1)
	}
}
