package cmd

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/whisper/api"
	"github.com/jmorganca/whisper/format"
)

func ShowHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	resp, err := client.Show(cmd.Context(), &api.ShowRequest{Model: args[0], Verbose: verbose})
	if err != nil {
		return err
	}

	return showInfo(resp, verbose, cmd.OutOrStdout())
}

// configValue renders a JSON decoded config value
func configValue(v any) string {
	switch v := v.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		if len(v) > 8 {
			return fmt.Sprintf("[%d values]", len(v))
		}

		s := make([]string, len(v))
		for i := range v {
			s[i] = configValue(v[i])
		}
		return "[" + strings.Join(s, " ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

func showInfo(resp *api.ShowResponse, verbose bool, w io.Writer) error {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows())
		table.Render()
		fmt.Fprintln(w)
	}

	tableRender("Model", func() (rows [][]string) {
		rows = append(rows, []string{"", "architecture", resp.Architecture})
		rows = append(rows, []string{"", "parameters", format.HumanNumber(resp.ParamCount)})

		for _, k := range []string{"d_model", "num_mel_bins", "encoder_layers", "decoder_layers", "max_source_positions", "max_target_positions", "vocab_size"} {
			if v, ok := resp.Config[k]; ok {
				rows = append(rows, []string{"", strings.ReplaceAll(k, "_", " "), configValue(v)})
			}
		}

		quantization := resp.Quantization
		if quantization == "" {
			quantization = "none"
		}
		rows = append(rows, []string{"", "quantization", quantization})
		return
	})

	if verbose {
		tableRender("Metadata", func() (rows [][]string) {
			keys := make([]string, 0, len(resp.Config))
			for k := range resp.Config {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			for _, k := range keys {
				rows = append(rows, []string{"", k, configValue(resp.Config[k])})
			}
			return
		})

		tableRender("Tensors", func() (rows [][]string) {
			for _, p := range resp.Parameters {
				dims := make([]string, len(p.Shape))
				for i, d := range p.Shape {
					dims[i] = strconv.Itoa(d)
				}
				rows = append(rows, []string{"", p.Name, p.DType, "[" + strings.Join(dims, " ") + "]"})
			}
			return
		})
	}

	return nil
}
