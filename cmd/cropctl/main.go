package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/client"
	"github.com/Brownie44l1/crop-disease-api/internal/config"
	"github.com/Brownie44l1/crop-disease-api/internal/dataset"
	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/logging"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/predictor"
	"github.com/Brownie44l1/crop-disease-api/internal/report"
	"github.com/Brownie44l1/crop-disease-api/internal/server"
	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfg     config.Config
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cropctl",
		Short: "Train, evaluate and serve the crop disease classifier",
		Long: help(`
			cropctl manages the crop disease classifier: it prepares datasets,
			trains and evaluates the model, and classifies leaf images either
			locally or through a running API server.

			Settings come from CROPSCAN_* environment variables, optionally
			loaded from a .env file.

			Production deployments use the pretrained ONNX backbone:
			set CROPSCAN_BACKBONE=onnx, CROPSCAN_BACKBONE_PATH to an exported
			MobileNetV2 and CROPSCAN_ORT_LIB_PATH to the onnxruntime library.
			The default colorgrid backbone needs no model file and suits
			development and tests.`),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg = config.Load()
			logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", config.EnvFile, "environment file")

	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(splitCmd())
	rootCmd.AddCommand(augmentCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(treatmentsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func help(text string) string {
	return strings.TrimSpace(dedent.Dedent(text))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// containerOptions builds the backbone named in the configuration.
func containerOptions(extra ...model.Option) ([]model.Option, error) {
	b, err := model.NewBackbone(cfg.Model.Backbone, model.BackboneConfig{
		ModelPath:   cfg.Model.BackbonePath,
		LibraryPath: cfg.Model.ORTLibPath,
	})
	if err != nil {
		return nil, err
	}
	opts := []model.Option{model.WithBackbone(b)}
	if cfg.Model.TreatmentsPath != "" {
		catalog, err := model.LoadCatalog(cfg.Model.TreatmentsPath)
		if err != nil {
			b.Close()
			return nil, err
		}
		opts = append(opts, model.WithCatalog(catalog))
	}
	return append(opts, extra...), nil
}

func trainCmd() *cobra.Command {
	var (
		trainDir, validationDir, testDir string
		modelPath, historyPath           string
		epochs, patience, batchSize      int
		seed                             int64
		noAugment                        bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on a split dataset",
		Long: help(`
			Train fits the classifier head on the class folders under
			--train-dir, scoring every epoch on --validation-dir.

			The best epoch by validation accuracy is checkpointed to
			--model-path, training stops after --patience epochs without a
			validation loss improvement, and the best weights are restored.
			When --test-dir exists the final model is evaluated on it.`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				modelPath = cfg.Model.Path
			}
			ctx, stop := signalContext()
			defer stop()

			extra := []model.Option{model.WithBatchSize(batchSize)}
			if seed != 0 {
				extra = append(extra, model.WithSeed(seed))
			}
			if noAugment {
				extra = append(extra, model.WithAugmentation(nil))
			}
			opts, err := containerOptions(extra...)
			if err != nil {
				return err
			}
			c := model.New(opts...)
			defer c.Close()

			checkpoint := model.NewCheckpoint(modelPath)
			early := model.NewEarlyStopping(patience, true)
			start := time.Now()
			history, err := c.Train(ctx, trainDir, validationDir, epochs, checkpoint, early)
			if err != nil {
				return err
			}
			if err := c.Save(modelPath); err != nil {
				return err
			}

			last := history.Epochs() - 1
			fmt.Printf("Trained %d epochs in %s", history.Epochs(), time.Since(start).Round(time.Second))
			if history.StoppedEarly {
				fmt.Printf(" (stopped early at epoch %d)", early.StoppedAt)
			}
			fmt.Println()
			fmt.Printf("Final val_loss %.4f, val_accuracy %.4f\n", history.ValLoss[last], history.ValAccuracy[last])
			fmt.Printf("Model saved to %s\n", modelPath)
			if historyPath != "" {
				if err := report.SaveHistory(historyPath, history); err != nil {
					return err
				}
				fmt.Printf("History saved to %s\n", historyPath)
			}

			if testDir == "" {
				return nil
			}
			if _, err := os.Stat(testDir); err != nil {
				fmt.Printf("(evaluation skipped: %v)\n", err)
				return nil
			}
			metrics, err := c.EvaluateReport(ctx, testDir)
			if err != nil {
				return err
			}
			printReport(metrics)
			return nil
		},
	}

	cmd.Flags().StringVar(&trainDir, "train-dir", "dataset/train", "training class folders")
	cmd.Flags().StringVar(&validationDir, "validation-dir", "dataset/validation", "validation class folders")
	cmd.Flags().StringVar(&testDir, "test-dir", "dataset/test", "test class folders, evaluated after training")
	cmd.Flags().StringVar(&modelPath, "model-path", "", "artifact path (default $CROPSCAN_MODEL_PATH)")
	cmd.Flags().StringVar(&historyPath, "history", "", "write the per-epoch history as JSON to this file")
	cmd.Flags().IntVar(&epochs, "epochs", model.DefaultEpochs, "maximum number of epochs")
	cmd.Flags().IntVar(&patience, "patience", 5, "epochs without improvement before stopping")
	cmd.Flags().IntVar(&batchSize, "batch-size", model.DefaultBatchSize, "mini-batch size")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 for time-based")
	cmd.Flags().BoolVar(&noAugment, "no-augment", false, "disable on-the-fly augmentation")

	return cmd
}

func printReport(r *model.EvaluationReport) {
	fmt.Printf("Test loss %.4f, accuracy %.4f\n\n", r.Loss, r.Accuracy)
	fmt.Printf("%-24s %9s %9s %9s %8s\n", "class", "precision", "recall", "f1", "support")
	for _, m := range r.Classes {
		fmt.Printf("%-24s %9.3f %9.3f %9.3f %8d\n", m.Label, m.Precision, m.Recall, m.F1, m.Support)
	}
}

func evaluateCmd() *cobra.Command {
	var modelPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "evaluate [test-dir]",
		Short: "Evaluate a trained model on labelled class folders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				modelPath = cfg.Model.Path
			}
			opts, err := containerOptions()
			if err != nil {
				return err
			}
			c := model.New(opts...)
			defer c.Close()
			if err := c.Load(modelPath); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			metrics, err := c.EvaluateReport(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(metrics)
			}
			printReport(metrics)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model-path", "", "artifact path (default $CROPSCAN_MODEL_PATH)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	return cmd
}

func predictCmd() *cobra.Command {
	var modelPath, serverURL string
	var asBase64 bool

	cmd := &cobra.Command{
		Use:   "predict [image]",
		Short: "Classify a leaf image",
		Long: help(`
			Predict classifies one image with the local model artifact, or
			with a running server when --server is given. With --base64 the
			image is re-encoded as a JPEG data URL and sent as JSON instead
			of a multipart upload.

			Without an artifact a mock prediction is returned.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			if asBase64 && serverURL == "" {
				return fmt.Errorf("--base64 requires --server")
			}
			if serverURL != "" {
				rec, err := predictRemote(ctx, serverURL, args[0], asBase64)
				if err != nil {
					return err
				}
				return printJSON(rec)
			}

			result, err := predictLocal(ctx, modelPath, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model-path", "", "artifact path (default $CROPSCAN_MODEL_PATH)")
	cmd.Flags().StringVar(&serverURL, "server", "", "classify through the API at this base URL")
	cmd.Flags().BoolVar(&asBase64, "base64", false, "send the image as a base64 data URL (requires --server)")

	return cmd
}

func predictLocal(ctx context.Context, modelPath, path string) (model.PredictionResult, error) {
	if modelPath == "" {
		modelPath = cfg.Model.Path
	}
	opts, err := containerOptions()
	if err != nil {
		return model.PredictionResult{}, err
	}
	return predictor.InferDisease(ctx, modelPath, imageutil.Path(path), opts...)
}

func predictRemote(ctx context.Context, serverURL, path string, asBase64 bool) (store.Record, error) {
	c := client.NewClient(client.ClientOpts{BaseURL: serverURL})
	if !asBase64 {
		return c.PredictFile(ctx, path)
	}
	img, _, err := imageutil.Path(path).Decode()
	if err != nil {
		return store.Record{}, err
	}
	encoded, err := imageutil.EncodeBase64(img)
	if err != nil {
		return store.Record{}, err
	}
	return c.PredictBase64(ctx, encoded)
}

func splitCmd() *cobra.Command {
	var (
		out              string
		train, val, test float64
		seed             int64
	)

	cmd := &cobra.Command{
		Use:   "split [source-dir]",
		Short: "Split class folders into train, validation and test sets",
		Long: help(`
			Split shuffles every class folder under source-dir and copies its
			images into <out>/train, <out>/validation and <out>/test.

			Counts per class are floor(ratio * n) for train and validation;
			test receives the remainder.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			paths, err := dataset.Split(ctx, args[0], out, dataset.Ratios{Train: train, Validation: val, Test: test}, seed)
			if err != nil {
				return err
			}
			fmt.Printf("Train:      %s\nValidation: %s\nTest:       %s\n", paths.Train, paths.Validation, paths.Test)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "dataset", "output base directory")
	cmd.Flags().Float64Var(&train, "train", dataset.DefaultRatios.Train, "train ratio")
	cmd.Flags().Float64Var(&val, "validation", dataset.DefaultRatios.Validation, "validation ratio")
	cmd.Flags().Float64Var(&test, "test", dataset.DefaultRatios.Test, "test ratio")
	cmd.Flags().Int64Var(&seed, "seed", dataset.DefaultSeed, "shuffle seed")

	return cmd
}

func augmentCmd() *cobra.Command {
	var (
		out    string
		factor int
		seed   int64
	)

	cmd := &cobra.Command{
		Use:   "augment [class-dir]",
		Short: "Write augmented copies of every image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			summary, err := dataset.Augment(ctx, args[0], out, factor, seed)
			if err != nil {
				return err
			}
			fmt.Printf("Augmented %d images into %d variants across %d classes in %s\n",
				summary.Originals, summary.Augmented, summary.Classes, summary.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "output directory (default <class-dir>_augmented)")
	cmd.Flags().IntVar(&factor, "factor", dataset.DefaultAugmentationFactor, "variants per image")
	cmd.Flags().Int64Var(&seed, "seed", dataset.DefaultSeed, "random seed")

	return cmd
}

func statsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats [class-dir]",
		Short: "Show the class distribution of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dataset.CollectStats(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(s)
			}
			fmt.Printf("%s: %d images in %d classes\n", s.Dir, s.TotalImages, s.TotalClasses)
			for _, c := range s.Classes {
				fmt.Printf("  %-24s %6d  %5.1f%%\n", c.Name, c.Count, s.Share(c))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}

func serveCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prediction API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					log.Error().Err(err).Msg("failed to release resources")
				}
			}()

			ctx, stop := signalContext()
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (default $CROPSCAN_PORT)")

	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render HTML reports for predictions and training runs",
	}
	cmd.AddCommand(predictionReportCmd())
	cmd.AddCommand(trainingReportCmd())
	return cmd
}

func predictionReportCmd() *cobra.Command {
	var modelPath, serverURL, out string

	cmd := &cobra.Command{
		Use:   "prediction [image]",
		Short: "Classify an image and write an HTML report",
		Long: help(`
			Prediction classifies the image like the predict command and
			writes a standalone HTML page with a thumbnail of the leaf, the
			detected condition, its confidence and the recommended
			treatments.

			Without --out the report is written to
			reports/report_<timestamp>.html.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			img, _, err := imageutil.Path(args[0]).Decode()
			if err != nil {
				return err
			}

			var result model.PredictionResult
			if serverURL != "" {
				rec, err := predictRemote(ctx, serverURL, args[0], false)
				if err != nil {
					return err
				}
				result = model.PredictionResult{
					Prediction: rec.Prediction,
					Confidence: rec.Confidence,
					Treatments: rec.Treatments,
				}
			} else if result, err = predictLocal(ctx, modelPath, args[0]); err != nil {
				return err
			}

			now := time.Now()
			if out == "" {
				out = report.DefaultPath("reports", "report", now)
			}
			err = report.WriteFile(out, func(w io.Writer) error {
				return report.Prediction(w, img, result, now)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s (%.1f%%)\nReport saved to %s\n", result.Prediction, result.Confidence*100, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model-path", "", "artifact path (default $CROPSCAN_MODEL_PATH)")
	cmd.Flags().StringVar(&serverURL, "server", "", "classify through the API at this base URL")
	cmd.Flags().StringVarP(&out, "out", "o", "", "report file")

	return cmd
}

func trainingReportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "training [history.json]",
		Short: "Plot the accuracy and loss curves of a training run",
		Long: help(`
			Training reads a history written by "cropctl train --history"
			and renders its accuracy and loss curves for the training and
			validation splits.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := report.LoadHistory(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".html"
			}
			err = report.WriteFile(out, func(w io.Writer) error {
				return report.Training(w, h)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Training plot saved to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "report file (default <history>.html)")

	return cmd
}

func apiClient(serverURL string) *client.Client {
	return client.NewClient(client.ClientOpts{BaseURL: serverURL})
}

func healthCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the API is up and which predictor it serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			h, err := apiClient(serverURL).Health(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s (predictor: %s)\n", h.Status, h.Predictor)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", client.DefaultBaseURL, "API base URL")

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		serverURL string
		limit     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent predictions stored by the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			records, err := apiClient(serverURL).ListPredictions(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(records)
			}
			for _, r := range records {
				fmt.Printf("%s  %s  %-20s %5.1f%%  %s\n",
					r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Prediction, r.Confidence*100, r.Filename)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", client.DefaultBaseURL, "API base URL")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of records, newest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}

func showCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one stored prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rec, err := apiClient(serverURL).GetPrediction(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", client.DefaultBaseURL, "API base URL")

	return cmd
}

func treatmentsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "treatments [label]",
		Short: "List the recommended treatments for a disease label",
		Long: help(`
			Treatments looks the label up in the API's catalog. With
			--server "" the local catalog is used instead.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				catalog := model.DefaultCatalog()
				if cfg.Model.TreatmentsPath != "" {
					c, err := model.LoadCatalog(cfg.Model.TreatmentsPath)
					if err != nil {
						return err
					}
					catalog = c
				}
				if _, ok := catalog.Lookup(args[0]); !ok {
					fmt.Printf("(%s is not in the catalog)\n", args[0])
				}
				printTreatments(args[0], catalog.TreatmentsFor(args[0]))
				return nil
			}

			ctx, stop := signalContext()
			defer stop()
			res, err := apiClient(serverURL).Treatments(ctx, args[0])
			if err != nil {
				return err
			}
			if !res.Known {
				fmt.Printf("(%s is not in the catalog)\n", res.Label)
			}
			printTreatments(res.Label, res.Treatments)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", client.DefaultBaseURL, "API base URL")

	return cmd
}

func printTreatments(label string, treatments []string) {
	fmt.Printf("%s:\n", report.DisplayName(label))
	for i, t := range treatments {
		fmt.Printf("  %d. %s\n", i+1, t)
	}
}
