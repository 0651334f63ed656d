package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/whisper/api"
	"github.com/jmorganca/whisper/envconfig"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/server"
	"github.com/jmorganca/whisper/version"
)

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func ConfigHandler(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetBool("path"); path {
		_, found, err := envconfig.LoadFile()
		if err != nil {
			return err
		}

		if found == "" {
			return errors.New("no configuration file found")
		}

		fmt.Fprintln(cmd.OutOrStdout(), found)
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), envconfig.ExampleConfig())
	return nil
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: could not connect to a running whisper instance")
	}

	if serverVersion != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "whisper version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(cmd.OutOrStdout(), "Warning: client version is %s\n", version.Version)
	}
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "whisper",
		Short:         "Whisper speech transcription",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.New(os.Stderr, envconfig.LogLevel(), envconfig.LogFormat()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the whisper server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	transcribeCmd := &cobra.Command{
		Use:   "transcribe MODEL FEATURES",
		Short: "Transcribe a mel feature file",
		Long: `Transcribe a mel feature file with a model served by a running whisper server.

FEATURES is a CBOR mel document (.cbor) or raw little-endian float32 values
laid out bin by bin, which need --bins.`,
		Args: cobra.ExactArgs(2),
		RunE: TranscribeHandler,
	}

	transcribeCmd.Flags().String("format", "auto", "Feature file format (auto, cbor, raw)")
	transcribeCmd.Flags().Int("bins", 80, "Mel bins of a raw feature file")
	transcribeCmd.Flags().Float64("temperature", 0, "Sampling temperature, 0 decodes greedily")
	transcribeCmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens")
	transcribeCmd.Flags().Float64("top-p", 1, "Sample from the smallest set of tokens whose probability reaches p")
	transcribeCmd.Flags().Int64("seed", -1, "Random seed for sampling")
	transcribeCmd.Flags().Int("max-new-tokens", 0, "Maximum number of tokens to generate")
	transcribeCmd.Flags().String("kv-cache-type", "", "Self-attention cache type (f32, f16, bf16)")
	transcribeCmd.Flags().Bool("special-tokens", false, "Keep control tokens in the text")
	transcribeCmd.Flags().Bool("verbose", false, "Show timings for the transcription")
	transcribeCmd.Flags().Bool("json", false, "Print the full response as JSON")

	showCmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show information for a model",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().BoolP("verbose", "v", false, "Show every parameter and the full configuration")

	quantizeCmd := &cobra.Command{
		Use:   "quantize DIR [PRESET]",
		Short: "Load a model directory and quantize it with a preset",
		Args:  cobra.RangeArgs(0, 2),
		RunE:  QuantizeHandler,
	}

	quantizeCmd.Flags().Bool("list", false, "List the quantization presets")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print an example configuration file",
		Args:  cobra.ExactArgs(0),
		RunE:  ConfigHandler,
	}

	configCmd.Flags().Bool("path", false, "Print the path of the configuration file in use")

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["WHISPER_HOST"]}

	for _, cmd := range []*cobra.Command{
		serveCmd,
		transcribeCmd,
		showCmd,
		quantizeCmd,
		configCmd,
	} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["WHISPER_DEBUG"],
				envVars["WHISPER_LOG_FORMAT"],
				envVars["WHISPER_HOST"],
				envVars["WHISPER_MODELS"],
				envVars["WHISPER_NUM_PARALLEL"],
				envVars["WHISPER_NUM_THREADS"],
				envVars["WHISPER_QUANTIZATION"],
				envVars["WHISPER_KV_CACHE_TYPE"],
				envVars["WHISPER_CONFIG"],
				envVars["WHISPER_NO_CONFIG_FILE"],
			})
		case quantizeCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["WHISPER_DEBUG"], envVars["WHISPER_NUM_THREADS"]})
		case configCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["WHISPER_CONFIG"]})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		transcribeCmd,
		showCmd,
		quantizeCmd,
		configCmd,
	)

	return rootCmd
}
