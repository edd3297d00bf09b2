package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/cqm/internal/config"
	"github.com/ehr/cqm/internal/domain/measure"
	engine "github.com/ehr/cqm/internal/measure"
)

// evaluateOptions are the flags of the evaluate command.
type evaluateOptions struct {
	measuresDir  string
	libraries    []string
	bundle       string
	fhirVersion  string
	measure      string
	subject      string
	practitioner string
	reportType   string
	periodStart  string
	periodEnd    string
}

func evaluateCmd() *cobra.Command {
	opts := evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a measure against a data Bundle and print the MeasureReport",
		Long: `Evaluate runs a measure offline. Measure and Library definitions are read
from the measures directory, clinical data from a FHIR Bundle file, and the
resulting MeasureReport is written to stdout as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.measuresDir == "" {
				opts.measuresDir = cfg.MeasuresDir
			}
			if opts.fhirVersion == "" {
				opts.fhirVersion = cfg.FHIRVersion
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runEvaluate(ctx, cmd.OutOrStdout(), opts, cfg.MeasurementPeriod)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.measuresDir, "measures-dir", "", "Directory of Measure and Library definitions (default MEASURES_DIR)")
	f.StringSliceVar(&opts.libraries, "library", nil, "Additional CQL library file; may be repeated")
	f.StringVar(&opts.bundle, "bundle", "", "FHIR Bundle JSON file holding the clinical data")
	f.StringVar(&opts.fhirVersion, "fhir-version", "", "Report rendering, R4 or DSTU3 (default FHIR_VERSION)")
	f.StringVar(&opts.measure, "measure", "", "Measure id or canonical url")
	f.StringVar(&opts.subject, "subject", "", "Patient id for an individual report")
	f.StringVar(&opts.practitioner, "practitioner", "", "Practitioner whose patients form the population")
	f.StringVar(&opts.reportType, "report-type", "", "individual, subject-list, patient-list, summary or population")
	f.StringVar(&opts.periodStart, "period-start", "", "Measurement period start")
	f.StringVar(&opts.periodEnd, "period-end", "", "Measurement period end")
	_ = cmd.MarkFlagRequired("measure")
	_ = cmd.MarkFlagRequired("bundle")

	return cmd
}

// runEvaluate evaluates one measure against a Bundle file and writes the
// rendered report to out.
func runEvaluate(ctx context.Context, out io.Writer, opts evaluateOptions, period func(now time.Time) (engine.Interval, error)) error {
	fhirVersion, err := engine.ParseFHIRVersion(opts.fhirVersion)
	if err != nil {
		return err
	}

	registry := measure.NewRegistry()
	if _, err := registry.LoadDir(opts.measuresDir); err != nil {
		return err
	}
	for _, path := range opts.libraries {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read library: %w", err)
		}
		registry.PutLibrary(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), string(src))
	}

	raw, err := os.ReadFile(opts.bundle)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("decode bundle %s: %w", opts.bundle, err)
	}

	svc := measure.NewService(registry, nil,
		measure.WithFHIRVersion(fhirVersion),
		measure.WithDefaultPeriod(period),
	)
	res, err := svc.Evaluate(ctx, measure.EvaluateRequest{
		MeasureID:    opts.measure,
		PeriodStart:  opts.periodStart,
		PeriodEnd:    opts.periodEnd,
		ReportType:   opts.reportType,
		Subject:      opts.subject,
		Practitioner: opts.practitioner,
		Data:         bundle,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Resource)
}
