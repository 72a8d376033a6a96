package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
)

// JournalExportOptions filter the exported commands.
type JournalExportOptions struct {
	Status    core.CommandStatus
	Limit     int
	OutputDir string
}

// JournalExporter writes the command journal as CSV.
type JournalExporter struct {
	db *gorm.DB
}

func NewJournalExporter(db *gorm.DB) *JournalExporter {
	return &JournalExporter{db: db}
}

func (e *JournalExporter) records(ctx context.Context, options JournalExportOptions) ([]lifecycle.CommandRecord, error) {
	q := e.db.WithContext(ctx).Model(&lifecycle.CommandRecord{}).Order("updated_at DESC")
	if options.Status != "" {
		q = q.Where("status = ?", string(options.Status))
	}
	if options.Limit > 0 {
		q = q.Limit(options.Limit)
	}

	var recs []lifecycle.CommandRecord
	return recs, q.Find(&recs).Error
}

// ExportToCSV writes one row per journaled command.
func (e *JournalExporter) ExportToCSV(ctx context.Context, writer io.Writer, options JournalExportOptions) error {
	recs, err := e.records(ctx, options)
	if err != nil {
		return fmt.Errorf("failed to get journaled commands: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{"CommandID", "Status", "Transitions", "Party", "SignedBy", "UpdateID", "CompletionOffset", "FailureReason", "UpdatedAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, rec := range recs {
		row := []string{
			rec.CommandID,
			rec.Status,
			strings.Join(rec.Transitions, ">"),
			rec.Party,
			rec.SignedBy,
			rec.UpdateID,
			strconv.FormatInt(rec.CompletionOffset, 10),
			rec.FailureReason,
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile writes the CSV into options.OutputDir and returns its path.
func (e *JournalExporter) ExportToFile(ctx context.Context, options JournalExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	name := "commands.csv"
	if options.Status != "" {
		name = fmt.Sprintf("commands_%s.csv", options.Status)
	}
	fileName := filepath.Join(options.OutputDir, name)
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(ctx, file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}
	return fileName, nil
}

func newJournalCmd(logger log.Logger) *cobra.Command {
	var options JournalExportOptions
	var status string

	cmd := &cobra.Command{
		Use:   "journal-export",
		Short: "Export the transaction command journal as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logger.WithName("journal-export")

			if status != "" {
				options.Status = core.CommandStatus(status)
				switch options.Status {
				case core.CommandPending, core.CommandSigned, core.CommandExecuted, core.CommandFailed:
				default:
					return fmt.Errorf("invalid command status: %s", status)
				}
			}

			conf, err := LoadConfig(logger)
			if err != nil {
				return err
			}
			db, err := ConnectToDB(conf.DB, logger)
			if err != nil {
				return fmt.Errorf("failed to setup database: %w", err)
			}

			exporter := NewJournalExporter(db)
			if options.OutputDir == "" {
				return exporter.ExportToCSV(cmd.Context(), cmd.OutOrStdout(), options)
			}

			fileName, err := exporter.ExportToFile(cmd.Context(), options)
			if err != nil {
				return err
			}
			logger.Info("journal exported", "file", fileName)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only export commands in this status")
	cmd.Flags().IntVar(&options.Limit, "limit", 0, "maximum number of commands, newest first")
	cmd.Flags().StringVar(&options.OutputDir, "out", "", "directory to write the CSV to instead of stdout")
	return cmd
}
