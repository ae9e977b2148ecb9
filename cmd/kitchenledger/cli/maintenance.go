package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
)

// Maintainer is the inventory surface the maintenance commands drive.
type Maintainer interface {
	CleanupZeroStock(ctx context.Context, dryRun bool) (inventory.MaintenanceReport, error)
	NormalizeUnits(ctx context.Context, dryRun bool) (inventory.MaintenanceReport, error)
}

// MaintenanceOptions are the flags shared by maintenance commands.
type MaintenanceOptions struct {
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// MaintenanceCLI runs one-off data maintenance.
type MaintenanceCLI struct {
	service Maintainer
}

// NewMaintenanceCLI constructs the helper.
func NewMaintenanceCLI(service Maintainer) *MaintenanceCLI {
	return &MaintenanceCLI{service: service}
}

// CleanupCommand deletes zero-stock ingredients no recipe references.
func (c *MaintenanceCLI) CleanupCommand(ctx context.Context, opts MaintenanceOptions) int {
	return c.run(ctx, "cleanup-zero-stock", "removed", opts, c.service.CleanupZeroStock)
}

// NormalizeCommand rewrites stored units to their canonical spelling.
func (c *MaintenanceCLI) NormalizeCommand(ctx context.Context, opts MaintenanceOptions) int {
	return c.run(ctx, "normalize-units", "normalized", opts, c.service.NormalizeUnits)
}

func (c *MaintenanceCLI) run(ctx context.Context, name, verb string, opts MaintenanceOptions, fn func(context.Context, bool) (inventory.MaintenanceReport, error)) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if c == nil || c.service == nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: inventory service not configured\n", name)
		return 1
	}
	report, err := fn(ctx, opts.DryRun)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: %v\n", name, err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", name, err)
			return 1
		}
		return 0
	}
	renderReport(opts.Stdout, verb, report)
	return 0
}

func renderReport(w io.Writer, verb string, report inventory.MaintenanceReport) {
	if report.DryRun {
		verb = "would be " + verb
	}
	_, _ = fmt.Fprintf(w, "scanned %d ingredients, %d %s\n", report.Scanned, len(report.Affected), verb)
	for _, entry := range report.Affected {
		_, _ = fmt.Fprintf(w, "  - %s\n", entry)
	}
}
