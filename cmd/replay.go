package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"lookout/bootstrap"
	"lookout/config"
	"lookout/core"
	"lookout/emit"
	"lookout/ingest"
	"lookout/pipeline"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// replaySummary is the outcome of replaying an event file.
type replaySummary struct {
	Events      int                      `json:"events"`
	Outcomes    map[pipeline.Outcome]int `json:"outcomes"`
	DeadLetters []replayFailure          `json:"dead_letters,omitempty"`
	Failures    []replayFailure          `json:"failures,omitempty"`
	Incidents   []core.Incident          `json:"incidents"`
}

type replayFailure struct {
	Line   int    `json:"line"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error"`
}

// discardDeadLetters drops dead letters; replay reports them per line instead.
type discardDeadLetters struct{}

func (discardDeadLetters) Add(context.Context, *ingest.FailedEvent) error { return nil }

func newReplayCmd(opts *options) *cobra.Command {
	var (
		file         string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Correlate a file of recorded events offline",
		Long: `Run newline-delimited JSON events through enrichment, correlation and
suppression using the configured rules, and print the incidents that would
have been opened. Caches are kept in memory and nothing is published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, sugar, err := opts.logger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open events file: %w", err)
				}
				defer f.Close()
				in = f
			}

			var s *spinner.Spinner
			if showProgress && !opts.outputJSON && !opts.quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Replaying events..."
				s.Start()
			}

			summary, err := replayEvents(ctx, cfg, in, sugar)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return outputAsJSON(out, summary)
			}
			renderReplaySummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Events file, one JSON object per line (- for stdin)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// replayEvents correlates the events read from r with in-memory caches and a
// recording publisher.
func replayEvents(ctx context.Context, cfg *config.Config, r io.Reader, sugar *zap.SugaredLogger) (*replaySummary, error) {
	local := *cfg
	local.Correlation.Backend = config.BackendMemory
	local.Suppression.Backend = config.BackendMemory

	registry, err := bootstrap.InitRegistry(&local, sugar)
	if err != nil {
		return nil, err
	}
	store, err := bootstrap.InitCorrelationStore(&local, nil, sugar)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	suppressor, err := bootstrap.InitSuppression(&local, nil, sugar)
	if err != nil {
		return nil, err
	}

	recorder := emit.NewRecorder()
	emitter := emit.NewEmitter(recorder, local.Emit.PublishTimeout, local.Emit.DefaultIncidentType, sugar)
	stages, err := bootstrap.BuildStages(&local, discardDeadLetters{}, registry, store, suppressor, emitter, sugar)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(stages, bootstrap.PipelineOptions(&local), nil, sugar)
	if err := p.Start(); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), local.HTTP.ShutdownGrace)
		defer cancel()
		p.Stop(stopCtx)
	}()

	summary := &replaySummary{Outcomes: make(map[pipeline.Outcome]int)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), int(local.HTTP.MaxBodyBytes))
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		summary.Events++

		res, err := p.Process(ctx, ingest.Message{
			Data:        bytes.Clone(data),
			ContentType: ingest.ContentTypeJSON,
			Source:      ingest.SourceReplay,
			ReceivedAt:  time.Now().UTC(),
		})
		if err != nil {
			failure := replayFailure{Line: line, Reason: core.MalformedReason(err), Error: err.Error()}
			if res.Outcome == pipeline.OutcomeDeadLettered {
				summary.DeadLetters = append(summary.DeadLetters, failure)
				summary.Outcomes[res.Outcome]++
			} else {
				summary.Failures = append(summary.Failures, failure)
			}
			continue
		}
		summary.Outcomes[res.Outcome]++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events at line %d: %w", line+1, err)
	}

	for _, inc := range recorder.Latest() {
		summary.Incidents = append(summary.Incidents, inc)
	}
	sort.Slice(summary.Incidents, func(i, j int) bool {
		a, b := summary.Incidents[i], summary.Incidents[j]
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.IncidentID < b.IncidentID
	})
	return summary, nil
}
