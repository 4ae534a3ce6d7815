// Package cmd implements the vidgen command line.
package cmd

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/vidgen/api"
	"github.com/ollama/vidgen/discover"
	"github.com/ollama/vidgen/envconfig"
	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/logutil"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/pipeline"
	"github.com/ollama/vidgen/progress"
	"github.com/ollama/vidgen/scheduler"
	"github.com/ollama/vidgen/server"
	"github.com/ollama/vidgen/version"
)

var errModelRequired = errors.New("a model directory is required, pass it as an argument or set VIDGEN_MODELS")

func modelDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	if envconfig.Models != "" {
		return envconfig.Models, nil
	}

	return "", errModelRequired
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("scheduler", envconfig.Scheduler, "Sampling scheduler")
	cmd.Flags().String("dtype", envconfig.DType, "Storage dtype for weights (float32, float16, bfloat16)")
	cmd.Flags().Bool("low-vram", envconfig.LowVRAM, "Decode one frame at a time")
	cmd.Flags().Int("devices", envconfig.NumDevices, "Number of devices to shard the batch over")
}

func pipelineOptions(cmd *cobra.Command, args []string) (pipeline.Options, error) {
	var opts pipeline.Options

	path, err := modelDir(args)
	if err != nil {
		return opts, err
	}

	name, err := cmd.Flags().GetString("scheduler")
	if err != nil {
		return opts, err
	}

	kind, err := scheduler.ParseKind(name)
	if err != nil {
		return opts, err
	}

	name, err = cmd.Flags().GetString("dtype")
	if err != nil {
		return opts, err
	}

	dtype, err := ml.ParseDType(name)
	if err != nil {
		return opts, err
	}

	lowVRAM, err := cmd.Flags().GetBool("low-vram")
	if err != nil {
		return opts, err
	}

	devices, err := cmd.Flags().GetInt("devices")
	if err != nil {
		return opts, err
	}

	return pipeline.Options{
		ModelPath: path,
		Scheduler: kind,
		DType:     dtype,
		LowVRAM:   lowVRAM,
		Devices:   discover.CPUDevices(devices),
	}, nil
}

func loadPipeline(cmd *cobra.Command, args []string, quiet bool) (*pipeline.Pipeline, error) {
	opts, err := pipelineOptions(cmd, args)
	if err != nil {
		return nil, err
	}

	if quiet {
		return pipeline.New(opts)
	}

	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner("loading model")
	p.Add(spinner)

	pl, err := pipeline.New(opts)
	p.StopAndClear()
	return pl, err
}

func RunServer(cmd *cobra.Command, args []string) error {
	p, err := loadPipeline(cmd, args, true)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln, p) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		return ln.Close()
	}
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		return fmt.Errorf("could not connect to a vidgen server at %s, start one with 'vidgen serve': %w", envconfig.Host, err)
	}

	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	return table
}

func ShowHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Show(cmd.Context())
	if err != nil {
		return err
	}

	prettyPrintShow(cmd.OutOrStdout(), resp)
	return nil
}

func prettyPrintShow(w io.Writer, resp *api.ShowResponse) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	table.AppendBulk([][]string{
		{"path", resp.Path},
		{"unet", resp.UNet},
		{"vae", resp.VAE},
		{"text encoder", resp.TextEncoder},
		{"parameters", format.HumanNumber(resp.Parameters)},
		{"size", format.HumanBytes(resp.Size)},
		{"dtype", resp.DType},
		{"vae scale factor", strconv.Itoa(resp.VAEScaleFactor)},
		{"scheduler", resp.Scheduler},
		{"low vram", strconv.FormatBool(resp.LowVRAM)},
	})
	fmt.Fprintln(w, "Model:")
	table.Render()

	devices := newTable(w, "index", "library", "id", "threads")
	for _, d := range resp.Devices {
		devices.Append([]string{strconv.Itoa(d.Index), d.Library, d.ID, strconv.Itoa(d.Threads)})
	}
	fmt.Fprintln(w, "\nDevices:")
	devices.Render()
}

func ListSchedulersHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Schedulers(cmd.Context())
	if err != nil {
		return err
	}

	prettyPrintSchedulers(cmd.OutOrStdout(), resp)
	return nil
}

func prettyPrintSchedulers(w io.Writer, resp *api.SchedulerResponse) {
	table := newTable(w, "name", "active")
	for _, name := range resp.Available {
		active := ""
		if name == resp.Scheduler {
			active = "*"
		}
		table.Append([]string{name, active})
	}
	table.Render()
}

func SetSchedulerHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.SetScheduler(cmd.Context(), &api.SchedulerRequest{Scheduler: args[0]})
	if api.IsStatus(err, http.StatusBadRequest) {
		return fmt.Errorf("%w, run 'vidgen schedulers' to list the supported ones", err)
	} else if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scheduler set to %s\n", resp.Scheduler)
	return nil
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	prettyPrintEnv(cmd.OutOrStdout(), envconfig.AsMap())
	return nil
}

func prettyPrintEnv(w io.Writer, vars map[string]envconfig.EnvVar) {
	sorted := slices.SortedFunc(maps.Values(vars), func(a, b envconfig.EnvVar) int {
		return cmp.Compare(a.Name, b.Name)
	})

	table := newTable(w, "name", "value", "description")
	for _, v := range sorted {
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
}

func versionHandler(cmd *cobra.Command, _ []string) {
	w := cmd.OutOrStdout()

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(w, "Warning: could not connect to a running vidgen instance")
	}

	if serverVersion != "" {
		fmt.Fprintf(w, "vidgen version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(w, "Warning: client version is %s\n", version.Version)
	}
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vidgen",
		Short:         "Hint-conditioned video diffusion sampler",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logutil.Setup(os.Stderr)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	generateCmd := &cobra.Command{
		Use:   "generate [MODEL_DIR]",
		Short: "Sample videos locally from prompts and hint images",
		Args:  cobra.MaximumNArgs(1),
		RunE:  GenerateHandler,
	}

	generateCmd.Flags().StringArrayP("prompt", "p", nil, "Prompt, repeat for a batch")
	generateCmd.Flags().StringArray("negative-prompt", nil, "Negative prompt, one or one per prompt")
	generateCmd.Flags().StringArray("hint", nil, "Hint image, one or one per prompt")
	generateCmd.Flags().StringArray("mask", nil, "Mask image, white keeps the hint")
	generateCmd.Flags().Int("steps", api.DefaultSteps, "Number of denoising steps")
	generateCmd.Flags().Float32("guidance-scale", pipeline.DefaultRequest().GuidanceScale, "Classifier-free guidance scale")
	generateCmd.Flags().Int("frames", pipeline.DefaultRequest().Frames, "Frames per video")
	generateCmd.Flags().Int("width", pipeline.DefaultRequest().Width, "Frame width, a multiple of 32")
	generateCmd.Flags().Int("height", pipeline.DefaultRequest().Height, "Frame height, a multiple of 32")
	generateCmd.Flags().Uint64("seed", 0, "Random seed")
	generateCmd.Flags().StringP("output", "o", ".", "Directory to write frames to")
	generateCmd.Flags().BoolP("quiet", "q", false, "Do not show progress")
	addPipelineFlags(generateCmd)

	serveCmd := &cobra.Command{
		Use:     "serve [MODEL_DIR]",
		Aliases: []string{"start"},
		Short:   "Start the vidgen server",
		Args:    cobra.MaximumNArgs(1),
		RunE:    RunServer,
	}
	addPipelineFlags(serveCmd)

	showCmd := &cobra.Command{
		Use:     "show",
		Short:   "Show information about the served model",
		Args:    cobra.NoArgs,
		PreRunE: checkServerHeartbeat,
		RunE:    ShowHandler,
	}

	schedulersCmd := &cobra.Command{
		Use:     "schedulers",
		Short:   "List schedulers of the server",
		Args:    cobra.NoArgs,
		PreRunE: checkServerHeartbeat,
		RunE:    ListSchedulersHandler,
	}

	schedulerCmd := &cobra.Command{
		Use:     "scheduler NAME",
		Short:   "Change the scheduler of the server",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    SetSchedulerHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	envVars := envconfig.AsMap()
	pipelineEnvs := []envconfig.EnvVar{
		envVars["VIDGEN_HOST"],
		envVars["VIDGEN_DEBUG"],
		envVars["VIDGEN_MODELS"],
		envVars["VIDGEN_DTYPE"],
		envVars["VIDGEN_SCHEDULER"],
		envVars["VIDGEN_LOW_VRAM"],
		envVars["VIDGEN_NUM_DEVICES"],
	}

	appendEnvDocs(generateCmd, pipelineEnvs[1:])
	appendEnvDocs(serveCmd, slices.Concat(pipelineEnvs, []envconfig.EnvVar{envVars["VIDGEN_ORIGINS"]}))
	for _, cmd := range []*cobra.Command{showCmd, schedulersCmd, schedulerCmd} {
		appendEnvDocs(cmd, pipelineEnvs[:1])
	}

	rootCmd.AddCommand(
		generateCmd,
		serveCmd,
		showCmd,
		schedulersCmd,
		schedulerCmd,
		envCmd,
	)

	return rootCmd
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
