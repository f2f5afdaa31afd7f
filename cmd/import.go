package main

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/model"
)

var (
	importCSVPath   string
	importRunID     string
	importProjectID string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import clients from CSV and create an enrichment job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "open csv")
		}
		defer f.Close() //nolint:errcheck

		clients, skipped, err := parseClientsCSV(f, importRunID, importProjectID)
		if err != nil {
			return err
		}
		if len(clients) == 0 {
			return eris.New("no valid clients in csv")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := st.CreateClients(ctx, clients)
		if err != nil {
			return eris.Wrap(err, "create clients")
		}

		j := &model.EnrichmentJob{RunID: importRunID, Total: created}
		if err := st.CreateJob(ctx, j); err != nil {
			return eris.Wrap(err, "create job")
		}

		zap.L().Info("import complete",
			zap.String("job_id", j.ID),
			zap.String("run_id", importRunID),
			zap.Int("created", created),
			zap.Int("skipped", skipped),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

// parseClientsCSV reads client rows from a CSV with a header line. Required
// column: name. Optional: registry_id, primary_product. Rows that fail
// validation are skipped with a warning rather than aborting the import.
func parseClientsCSV(r io.Reader, runID, projectID string) ([]model.Client, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, eris.Wrap(err, "read csv header")
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameIdx, ok := cols["name"]
	if !ok {
		return nil, 0, eris.New("csv is missing required column: name")
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var clients []model.Client
	skipped := 0
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, eris.Wrapf(err, "read csv line %d", line)
		}

		c := model.Client{
			RunID:          runID,
			ProjectID:      projectID,
			Name:           strings.TrimSpace(row[nameIdx]),
			RegistryID:     field(row, "registry_id"),
			PrimaryProduct: field(row, "primary_product"),
			Status:         model.ClientPending,
		}
		if err := model.ValidateClient(&c); err != nil {
			zap.L().Warn("import: skipping invalid row",
				zap.Int("line", line),
				zap.String("name", c.Name),
				zap.Error(err),
			)
			skipped++
			continue
		}
		clients = append(clients, c)
	}

	return clients, skipped, nil
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	importCmd.Flags().StringVar(&importRunID, "run", "", "research run ID (required)")
	importCmd.Flags().StringVar(&importProjectID, "project", "", "project ID")
	_ = importCmd.MarkFlagRequired("csv")
	_ = importCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(importCmd)
}
