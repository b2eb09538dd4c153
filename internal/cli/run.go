package cli

import (
	"context"
	"math/rand"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nanobatch-go/nanobatch"
)

var (
	configPath   string
	numRequests  int
	promptTokens int
	maxNewTokens int
	numProducers int
)

// runCmd drives a Pipeline over synthetic requests submitted from
// several goroutines at once, demonstrating that AddRequest (unlike
// Step) is safe to call concurrently.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the scheduling pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := nanobatch.NewSchedulerConfig()
		if configPath != "" {
			loaded, err := loadSchedulerConfig(configPath)
			if err != nil {
				logrus.Fatalf("loading config: %v", err)
			}
			cfg = loaded
		}

		runner := newMockModelRunner(cfg.EOSTokenID)
		pipeline := nanobatch.NewPipeline(cfg, runner, nil, logrus.StandardLogger())

		var g errgroup.Group
		for w := 0; w < numProducers; w++ {
			w := w
			producersPerWorker := numRequests / numProducers
			if w < numRequests%numProducers {
				producersPerWorker++
			}
			g.Go(func() error {
				rng := rand.New(rand.NewSource(int64(w)))
				for i := 0; i < producersPerWorker; i++ {
					prompt := make([]int32, promptTokens)
					for j := range prompt {
						prompt[j] = rng.Int31n(32000)
					}
					pipeline.AddRequest("", prompt, nanobatch.NewSamplingConfig(
						nanobatch.WithMaxNewTokens(maxNewTokens),
					))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logrus.Fatalf("submitting requests: %v", err)
		}

		bar := progressbar.NewOptions(numRequests,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)

		ctx := context.Background()
		finished := 0
		for finished < numRequests {
			out, err := pipeline.Step(ctx, nil)
			if err != nil {
				logrus.Fatalf("step failed: %v", err)
			}
			finished += len(out.Finished)
			_ = bar.Set(finished)
		}

		metrics := pipeline.Metrics()
		logrus.WithFields(logrus.Fields{
			"tracked_requests": metrics.TrackedRequests,
			"cache_usage":      metrics.CacheUsage,
		}).Info("workload complete")
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML SchedulerConfig file")
	runCmd.Flags().IntVar(&numRequests, "num-requests", 64, "Number of synthetic requests to generate")
	runCmd.Flags().IntVar(&promptTokens, "prompt-tokens", 32, "Synthetic prompt length in tokens")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 16, "Max tokens generated per request")
	runCmd.Flags().IntVar(&numProducers, "producers", 8, "Number of concurrent goroutines submitting requests")
}
