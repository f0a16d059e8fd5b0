package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/bootstrap"
	"github.com/noah-isme/gema-marker/internal/config"
	"github.com/noah-isme/gema-marker/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ParseAndRun(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "marker: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *ffcli.Command {
	rootFlags := flag.NewFlagSet("marker", flag.ExitOnError)
	verbose := rootFlags.Bool("verbose", false, "log pipeline progress to stderr")

	pipeline := func(ctx context.Context) (*bootstrap.Components, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}

		level := zerolog.WarnLevel
		if *verbose {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()

		return bootstrap.Build(ctx, cfg, logger)
	}

	root := &ffcli.Command{
		Name:       "marker",
		ShortUsage: "marker [--verbose] <subcommand> [flags]",
		FlagSet:    rootFlags,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MARKER")},
		Subcommands: []*ffcli.Command{
			newMarkCommand(out, pipeline),
			newLedgerCommand(out, pipeline),
			newFeedbackCommand(out, pipeline),
		},
	}
	root.Exec = func(context.Context, []string) error {
		fmt.Fprintln(os.Stderr, ffcli.DefaultUsageFunc(root))
		return flag.ErrHelp
	}
	return root
}

type pipelineFactory func(ctx context.Context) (*bootstrap.Components, error)

func newMarkCommand(out io.Writer, pipeline pipelineFactory) *ffcli.Command {
	fs := flag.NewFlagSet("marker mark", flag.ExitOnError)
	var (
		student      = fs.String("student", "", "student identifier")
		submissionID = fs.String("submission-id", "", "submission identifier, unique per student")
		submission   = fs.String("submission", "", "path to the submission document")
		scheme       = fs.String("scheme", "", "path to the marking scheme document")
		thresholds   = fs.String("thresholds", "", "path to the grade thresholds document")
	)

	return &ffcli.Command{
		Name:       "mark",
		ShortUsage: "marker mark --student ID --submission-id ID --submission FILE --scheme FILE --thresholds FILE",
		ShortHelp:  "mark one submission and append it to the student's ledger",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			components, err := pipeline(ctx)
			if err != nil {
				return err
			}
			defer components.Close()

			result, err := components.Orchestrator.Run(ctx, service.MarkingRequest{
				StudentID:      *student,
				SubmissionID:   *submissionID,
				SubmissionPath: *submission,
				SchemePath:     *scheme,
				ThresholdsPath: *thresholds,
			})
			var stageErr *service.StageError
			if errors.As(err, &stageErr) {
				return fmt.Errorf("run %s failed during %s: %s", result.RunID, result.FailedStage, result.Cause)
			}
			if err != nil {
				return err
			}

			record := result.Record
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Run\t%s\n", result.RunID)
			fmt.Fprintf(w, "Paper\t%s/%s\n", record.Report.SyllabusCode, record.Report.ComponentNumber)
			fmt.Fprintf(w, "Score\t%d / %d\n", record.Score.Awarded, record.Score.Available)
			fmt.Fprintf(w, "Grade\t%s\n", record.Grade)
			fmt.Fprintf(w, "Strengths\t%s\n", record.Report.Strengths)
			fmt.Fprintf(w, "Weaknesses\t%s\n", record.Report.Weaknesses)
			return w.Flush()
		},
	}
}

func newLedgerCommand(out io.Writer, pipeline pipelineFactory) *ffcli.Command {
	fs := flag.NewFlagSet("marker ledger", flag.ExitOnError)
	student := fs.String("student", "", "student identifier")

	return &ffcli.Command{
		Name:       "ledger",
		ShortUsage: "marker ledger --student ID",
		ShortHelp:  "print the student's history ledger",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			components, err := pipeline(ctx)
			if err != nil {
				return err
			}
			defer components.Close()

			ledger, err := components.Orchestrator.Ledger(ctx, *student)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join(ledger.Header, "\t"))
			for _, row := range ledger.Rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					row.SyllabusCode, row.ComponentNumber, row.Score, row.MaxScore, row.Grade, row.Strengths, row.Weaknesses)
			}
			return w.Flush()
		},
	}
}

func newFeedbackCommand(out io.Writer, pipeline pipelineFactory) *ffcli.Command {
	fs := flag.NewFlagSet("marker feedback", flag.ExitOnError)
	student := fs.String("student", "", "student identifier")

	return &ffcli.Command{
		Name:       "feedback",
		ShortUsage: "marker feedback --student ID",
		ShortHelp:  "summarise the student's history into one holistic comment",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			components, err := pipeline(ctx)
			if err != nil {
				return err
			}
			defer components.Close()

			comment, err := components.Orchestrator.Feedback(ctx, *student)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, comment)
			return err
		},
	}
}
