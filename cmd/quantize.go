package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/whisper/envconfig"
	"github.com/jmorganca/whisper/format"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/model"
	"github.com/jmorganca/whisper/quantize"
	"github.com/jmorganca/whisper/runner/whisperrunner"
)

func QuantizeHandler(cmd *cobra.Command, args []string) error {
	if list, _ := cmd.Flags().GetBool("list"); list {
		return listPresets(cmd.OutOrStdout())
	}

	if len(args) != 2 {
		return errors.New("quantize needs a model directory and a preset, see --list")
	}

	dir, preset := args[0], args[1]
	if _, err := quantize.Parse(preset); err != nil {
		return err
	}

	r, err := whisperrunner.Load(dir, whisperrunner.LoadParams{NumThreads: int(envconfig.NumThreads())})
	if err != nil {
		return err
	}
	defer r.Close()

	mapping, err := r.Quantize(preset)
	if err != nil {
		return err
	}

	return quantizeInfo(cmd.OutOrStdout(), r, mapping)
}

func listPresets(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PRESET", "KIND", "DTYPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, name := range quantize.Presets() {
		q, err := quantize.Parse(name)
		if err != nil {
			return err
		}

		table.Append([]string{name, q.Kind(), q.ModelDType().String()})
	}

	table.Render()
	return nil
}

func quantizeInfo(w io.Writer, r *whisperrunner.Runner, mapping quantize.Mapping) error {
	q := r.Quantization()

	var size int64
	seen := make(map[ml.Tensor]bool)
	for _, p := range model.Parameters(r.Model()) {
		if !seen[p.Tensor] {
			seen[p.Tensor] = true
			size += int64(len(p.Tensor.Bytes()))
		}
	}

	fmt.Fprintf(w, "preset %s (%s), model dtype %s, %s of parameters\n\n", q.Name(), q.Kind(), q.ModelDType(), format.HumanBytes(size))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PARAMETER", "STORED AS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, name := range mapping.Names() {
		table.Append([]string{name, strings.Join(mapping[name], ", ")})
	}

	table.Render()
	return nil
}
