package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/ports"
	"fleetd/internal/registry"
)

func defaultDocument() string {
	return envOr("FLEETD_CONFIG_PATH", config.DefaultDocumentPath)
}

func defaultModelsDir() string {
	return envOr("FLEETD_MODELS_DIR", config.DefaultModelsDir)
}

func newScanCmd(g *Globals) *cobra.Command {
	var (
		modelsDir string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List implementation folders and their capability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := registry.ScanEntries(modelsDir)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCAPABILITY\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Capability, e.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", defaultModelsDir(), "Implementations directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newRegisterCmd(g *Globals) *cobra.Command {
	var (
		document  string
		port      int
		portStart int
		portEnd   int
	)
	cmd := &cobra.Command{
		Use:     "register <name>",
		Short:   "Declare a worker with a fixed or the next free port",
		Example: "  fleetd register yolov12n\n  fleetd register sam --port 5010",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			store := config.NewStore(document).WithEnv(func(string) (string, bool) { return "", false })
			if port != 0 {
				if err := store.Register(name, port); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", name, port)
				return nil
			}
			alloc := ports.Allocator{Start: portStart, End: portEnd}
			p, assigned, err := store.AssignPort(name, alloc.Next)
			if err != nil {
				return err
			}
			note := ""
			if !assigned {
				note = "\t(already registered)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d%s\n", name, p, note)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&document, "document", defaultDocument(), "Declared document path")
	f.IntVar(&port, "port", 0, "Port to assign (0 picks the next free one)")
	f.IntVar(&portStart, "port-start", ports.DefaultStart, "First port considered")
	f.IntVar(&portEnd, "port-end", ports.DefaultEnd, "Last port considered")
	return cmd
}

func newPortsCmd(g *Globals) *cobra.Command {
	var (
		document  string
		portStart int
		portEnd   int
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show assigned ports and the next free one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.NewStore(document).WithEnv(func(string) (string, bool) { return "", false }).Load()
			if err != nil {
				return err
			}
			type row struct {
				port int
				name string
			}
			var rows []row
			for name, m := range doc.Models {
				if m.HasPort() {
					rows = append(rows, row{m.PortValue(), name})
				}
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].port < rows[j].port })
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tNAME")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\n", r.port, r.name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			next, err := ports.Allocator{Start: portStart, End: portEnd}.Next(doc.UsedPorts())
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "next: none (%v)\n", err)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next: %d\n", next)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&document, "document", defaultDocument(), "Declared document path")
	f.IntVar(&portStart, "port-start", ports.DefaultStart, "First port considered")
	f.IntVar(&portEnd, "port-end", ports.DefaultEnd, "Last port considered")
	return cmd
}
