package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmorganca/whisper/api"
	"github.com/jmorganca/whisper/format"
	"github.com/jmorganca/whisper/mel"
)

func parseFormat(s string) (mel.Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return mel.FormatAuto, nil
	case "cbor":
		return mel.FormatCBOR, nil
	case "raw":
		return mel.FormatRaw, nil
	default:
		return mel.FormatAuto, fmt.Errorf("unknown feature format %q", s)
	}
}

// requestOptions maps the transcription flags set on the command line to
// request options. Unset flags leave the server defaults.
func requestOptions(flags *pflag.FlagSet) (map[string]any, error) {
	opts := make(map[string]any)

	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		key := strings.ReplaceAll(f.Name, "-", "_")
		switch f.Name {
		case "temperature", "top-p":
			opts[key], err = flags.GetFloat64(f.Name)
		case "top-k", "max-new-tokens":
			opts[key], err = flags.GetInt(f.Name)
		case "seed":
			opts[key], err = flags.GetInt64(f.Name)
		case "kv-cache-type":
			opts[key], err = flags.GetString(f.Name)
		case "special-tokens":
			opts[key], err = flags.GetBool(f.Name)
		}
	})

	return opts, err
}

func TranscribeHandler(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]

	formatFlag, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	ff, err := parseFormat(formatFlag)
	if err != nil {
		return err
	}

	bins, err := cmd.Flags().GetInt("bins")
	if err != nil {
		return err
	}

	features, err := mel.ReadFile(path, ff, bins)
	if err != nil {
		return err
	}

	bts, err := api.EncodeFeatures(features)
	if err != nil {
		return err
	}

	opts, err := requestOptions(cmd.Flags())
	if err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Transcribe(cmd.Context(), &api.TranscribeRequest{
		Model:    name,
		Features: bts,
		Options:  opts,
	})
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(resp.Text))

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		printMetrics(cmd.ErrOrStderr(), resp)
	}

	return nil
}

func printMetrics(w io.Writer, resp *api.TranscribeResponse) {
	fmt.Fprintf(w, "total duration:       %s\n", format.HumanDuration(resp.TotalDuration))
	fmt.Fprintf(w, "encode duration:      %s\n", format.HumanDuration(resp.EncodeDuration))
	fmt.Fprintf(w, "decode count:         %d token(s)\n", resp.DecodeCount)
	fmt.Fprintf(w, "decode duration:      %s\n", format.HumanDuration(resp.DecodeDuration))
	fmt.Fprintf(w, "prefill count:        %d token(s)\n", resp.PrefillCount)
	fmt.Fprintf(w, "prefill duration:     %s\n", format.HumanDuration(resp.PrefillDuration))
	fmt.Fprintf(w, "throughput:           %.2f tokens/s\n", resp.TokensPerSecond)
	fmt.Fprintf(w, "done reason:          %s\n", resp.DoneReason)
}
