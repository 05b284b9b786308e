package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"waymirror/internal/config"
	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
	"waymirror/internal/mirror"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List capturable outputs",
	Long: `List the outputs the configured capture backend can mirror.

Connects to the compositor (or the X server on the fallback backend) and
prints each output's identifier, geometry, and refresh rate. The identifiers
are what the serve command's --output flag and the outputs config key take.`,
	Example: `  # List outputs in table format (default)
  waymirror outputs

  # List outputs in JSON format
  waymirror outputs --format json

  # List outputs of a specific compositor socket
  waymirror outputs --socket wayland-1`,
	RunE: runOutputs,
}

var outputsFormat string

func init() {
	rootCmd.AddCommand(outputsCmd)

	outputsCmd.Flags().StringVarP(&outputsFormat, "format", "f", "table", "output format (table or json)")
	outputsCmd.Flags().String("socket", "", "Wayland display name or socket path")
}

func runOutputs(cmd *cobra.Command, args []string) error {
	// Keep routine logging out of the listing
	logger.Init("warn", true)

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()
	if s, _ := cmd.Flags().GetString("socket"); s != "" {
		cfg.Socket = s
	}

	loop, err := eventloop.New()
	if err != nil {
		return err
	}

	backend, _, err := openBackend(cfg, loop, logger.WithComponent("outputs"))
	if err != nil {
		return err
	}
	defer backend.Close()

	infos := backend.Outputs()

	switch outputsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)
	case "table":
		return printOutputsTable(infos)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", outputsFormat)
	}
}

func printOutputsTable(infos []mirror.OutputInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tDESCRIPTION\tSIZE\tREFRESH\tBACKEND")
	fmt.Fprintln(w, "--\t-----------\t----\t-------\t-------")

	for _, o := range infos {
		refresh := "-"
		if o.RefreshmHz > 0 {
			refresh = fmt.Sprintf("%.2f Hz", float64(o.RefreshmHz)/1000)
		}
		fmt.Fprintf(w, "%s\t%s\t%dx%d\t%s\t%s\n",
			o.ID, o.Description, o.Width, o.Height, refresh, o.Backend)
	}

	return nil
}
