package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	internal "github.com/ZanzyTHEbar/img2selfies/i2s"
	"github.com/ZanzyTHEbar/img2selfies/i2s/assets"
	"github.com/ZanzyTHEbar/img2selfies/i2s/backbone"
	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/config"
	"github.com/ZanzyTHEbar/img2selfies/i2s/imageproc"
	"github.com/ZanzyTHEbar/img2selfies/i2s/masks"
	"github.com/ZanzyTHEbar/img2selfies/i2s/ports"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"
	"github.com/ZanzyTHEbar/img2selfies/i2s/transformer"
	"github.com/ZanzyTHEbar/img2selfies/i2s/weights"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by subcommands once the root command has loaded
// configuration.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *common.Metrics
}

func NewCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   internal.DefaultAppName,
		Short: "Image to SELFIES helper tools",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.dumpMetrics(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		downloadCmd(a),
		assetsCmd(a),
		preprocessCmd(a),
		featuresCmd(a),
		masksCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Log.Pretty {
		a.logger = internal.GetConsoleLogger(cmd.ErrOrStderr())
	} else {
		a.logger = internal.GetLogger(cmd.ErrOrStderr())
	}
	a.logger = a.logger.Level(level)

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = common.NewMetrics(a.registry)
	}
	return nil
}

// dumpMetrics writes collected metrics in the text exposition format.
func (a *app) dumpMetrics(w io.Writer) error {
	if a.registry == nil {
		return nil
	}
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func downloadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and extract the trained model weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := a.cfg.Weights.URL
			if v, _ := cmd.Flags().GetString("url"); v != "" {
				url = v
			}
			dir := a.cfg.Weights.Dir
			if v, _ := cmd.Flags().GetString("dir"); v != "" {
				dir = v
			}
			kind := a.cfg.Weights.Extractor
			if v, _ := cmd.Flags().GetString("extractor"); v != "" {
				kind = v
			}
			quiet, _ := cmd.Flags().GetBool("quiet")

			d := weights.NewDownloader(a.cfg.Weights.Verbose && !quiet, ports.NewWriterInteractor(cmd.OutOrStdout()), a.logger)
			d.Metrics = a.metrics
			switch strings.ToLower(kind) {
			case config.ExtractorZip:
				d.Extractor = weights.ZipExtractor{}
			case config.ExtractorUnzip:
				d.Extractor = weights.UnzipCommand{}
			default:
				return fmt.Errorf("unknown extractor %q", kind)
			}
			return d.DownloadTrainedWeights(cmd.Context(), url, dir)
		},
	}
	cmd.Flags().String("url", "", "Archive URL (overrides weights.url)")
	cmd.Flags().String("dir", "", "Destination directory (overrides weights.dir)")
	cmd.Flags().String("extractor", "", "unzip or zip (overrides weights.extractor)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	return cmd
}

func assetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets [model-id]",
		Short: "Load tokenizer assets and show the transformer they size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := a.cfg.Assets.ModelID
			if len(args) == 1 {
				modelID = args[0]
			}
			tok, maxLength, err := assets.NewLoader(a.cfg.Assets.Root, a.logger, a.metrics).Load(modelID)
			if err != nil {
				return err
			}
			t, shape, err := transformer.Load(transformer.DeriveFromTokenizer{Tokenizer: tok})
			if err != nil {
				return err
			}
			c := t.Config()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model:             %s\n", modelID)
			fmt.Fprintf(out, "vocabulary:        %d tokens\n", tok.VocabularySize())
			fmt.Fprintf(out, "max length:        %d\n", maxLength)
			fmt.Fprintf(out, "target vocab size: %d\n", c.TargetVocabSize)
			fmt.Fprintf(out, "layers/heads:      %d/%d (d_model %d, dff %d)\n", c.NumLayers, c.NumHeads, c.DModel, c.DFF)
			fmt.Fprintf(out, "image shape:       %v\n", shape)
			return nil
		},
	}
	return cmd
}

func (a *app) preprocessor() *imageproc.Preprocessor {
	p := imageproc.NewPreprocessor()
	p.Formats = a.cfg.Image.Formats
	p.Workers = a.cfg.Image.Workers
	p.Logger = a.logger
	p.Metrics = a.metrics
	return p
}

func preprocessCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "preprocess IMAGE...",
		Short: "Decode, resize and normalize images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imgs, err := a.preprocessor().LoadImages(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, img := range imgs {
				mean, lo, hi := summarize(img.Tensor.Data())
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\tmean=%.4f min=%.4f max=%.4f\n", img.Path, img.Tensor.Shape(), mean, lo, hi)
			}
			return nil
		},
	}
}

func featuresCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features IMAGE",
		Short: "Run the image encoder and report the feature map shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath := a.cfg.Backbone.ModelPath
			if v, _ := cmd.Flags().GetString("model"); v != "" {
				modelPath = v
			}
			rt, err := backbone.NewRuntime(backbone.RuntimeOptions{
				LibraryPath:       a.cfg.Backbone.LibraryPath,
				ExecutionProvider: a.cfg.Backbone.ExecutionProvider,
				DeviceID:          a.cfg.Backbone.DeviceID,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			fe, err := backbone.LoadFeatureExtractor(rt, transformer.TargetShape, modelPath)
			if err != nil {
				return err
			}
			defer fe.Close()
			fe.Logger = a.logger
			fe.Metrics = a.metrics

			img, err := a.preprocessor().LoadImage(args[0])
			if err != nil {
				return err
			}
			out, err := fe.Extract(cmd.Context(), img)
			if err != nil {
				return err
			}
			mean, lo, hi := summarize(out.Data())
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\tmean=%.4f min=%.4f max=%.4f\n", img.Path, out.Shape(), mean, lo, hi)
			return nil
		},
	}
	cmd.Flags().String("model", "", "Encoder ONNX file (overrides backbone.modelPath)")
	return cmd
}

func masksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "masks [SELFIES...]",
		Short: "Print the combined decoder masks for token sequences",
		Long: "Print the combined decoder masks for token sequences. Sequences are\n" +
			"given either as SELFIES strings, encoded with the configured model's\n" +
			"tokenizer, or as comma separated token ids with --ids.",
		RunE: func(cmd *cobra.Command, args []string) error {
			idArgs, _ := cmd.Flags().GetStringArray("ids")
			var seqs [][]int64
			switch {
			case len(idArgs) > 0 && len(args) > 0:
				return fmt.Errorf("pass either SELFIES arguments or --ids, not both")
			case len(idArgs) > 0:
				for _, s := range idArgs {
					seq, err := parseIDs(s)
					if err != nil {
						return err
					}
					seqs = append(seqs, seq)
				}
			case len(args) > 0:
				tok, maxLength, err := assets.NewLoader(a.cfg.Assets.Root, a.logger, a.metrics).Load(a.cfg.Assets.ModelID)
				if err != nil {
					return err
				}
				if seqs, err = tok.Encode(args, maxLength); err != nil {
					return err
				}
			default:
				return fmt.Errorf("no sequences given")
			}

			m, err := masks.CreateMasksDecoder(seqs)
			if err != nil {
				return err
			}
			printMasks(cmd.OutOrStdout(), m)
			return nil
		},
	}
	cmd.Flags().StringArray("ids", nil, "Comma separated token ids, repeatable")
	return cmd
}

func parseIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	seq := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", p, err)
		}
		seq = append(seq, id)
	}
	return seq, nil
}

// printMasks prints each (1, L, L) slice of a (B, 1, L, L) mask as rows of
// 0/1 separated by blank lines.
func printMasks(w io.Writer, m tensor.Tensor) {
	sh := m.Shape()
	for b := 0; b < sh[0]; b++ {
		if b > 0 {
			fmt.Fprintln(w)
		}
		for i := 0; i < sh[2]; i++ {
			row := make([]string, sh[3])
			for j := range row {
				row[j] = strconv.FormatFloat(float64(m.At(b, 0, i, j)), 'f', -1, 32)
			}
			fmt.Fprintln(w, strings.Join(row, " "))
		}
	}
}

func summarize(data []float32) (mean, lo, hi float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	lo, hi = data[0], data[0]
	var sum float64
	for _, v := range data {
		sum += float64(v)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return float32(sum / float64(len(data))), lo, hi
}
