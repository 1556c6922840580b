package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"

	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/repository/sqlite"
	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/iphash"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/services"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

const usage = "expected 'export', 'import', 'stats' or 'hash' subcommands"

func main() {
	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importFile := importCmd.String("file", "", "JSON file to import")
	statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
	topN := statsCmd.Int("top", 10, "number of city clusters to print")
	hashCmd := flag.NewFlagSet("hash", flag.ExitOnError)
	hashIP := hashCmd.String("ip", "", "IP address to hash")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"})

	// hash needs no database
	if os.Args[1] == "hash" {
		hashCmd.Parse(os.Args[2:])
		if *hashIP == "" {
			hashCmd.PrintDefaults()
			os.Exit(1)
		}
		fmt.Println(iphash.New(cfg.IPHashSalt).Hash(*hashIP))
		return
	}

	if err := cfg.StoreCredentials(); err != nil {
		logging.Fatal().Err(err).Msg("store not configured")
	}
	repo, err := sqlite.NewSQLiteRepository(cfg.DatabaseURL, cfg.DatabaseAuthToken)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer repo.Close()

	ctx := context.Background()
	switch os.Args[1] {
	case "export":
		exportCmd.Parse(os.Args[2:])
		err = doExport(ctx, repo, os.Stdout)
	case "import":
		importCmd.Parse(os.Args[2:])
		if *importFile == "" {
			importCmd.PrintDefaults()
			os.Exit(1)
		}
		err = doImportFile(ctx, repo, *importFile)
	case "stats":
		statsCmd.Parse(os.Args[2:])
		err = doStats(ctx, repo, os.Stdout, *topN)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		logging.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

func doExport(ctx context.Context, repo ports.VisitRepository, w io.Writer) error {
	records, err := repo.ListVisits(ctx)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

func doImportFile(ctx context.Context, repo ports.VisitRepository, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	imported, skipped, err := doImport(ctx, repo, file)
	if err != nil {
		return err
	}
	logging.Info().Int("imported", imported).Int("skipped", skipped).Msg("import finished")
	return nil
}

// doImport inserts records that are not already present, matched on origin
// hash and visit time. IDs from the file are discarded.
func doImport(ctx context.Context, repo ports.VisitRepository, r io.Reader) (imported, skipped int, err error) {
	var records []domain.VisitRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, 0, fmt.Errorf("decode failed: %w", err)
	}
	if err := services.ValidateRecords(records); err != nil {
		return 0, 0, err
	}

	for _, rec := range records {
		exists, err := repo.Exists(ctx, rec.OriginHash, rec.VisitedAt)
		if err != nil {
			return imported, skipped, err
		}
		if exists {
			logging.Debug().Str("origin_hash", rec.OriginHash).Msg("skipping existing record")
			skipped++
			continue
		}
		rec.ID = 0
		if err := repo.Insert(ctx, &rec); err != nil {
			logging.Warn().Err(err).Str("origin_hash", rec.OriginHash).Msg("failed to import record")
			skipped++
			continue
		}
		imported++
	}
	return imported, skipped, nil
}

func doStats(ctx context.Context, repo ports.VisitRepository, w io.Writer, top int) error {
	records, err := repo.ListVisits(ctx)
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}
	stats := services.ComputeStats(records)
	clusters := services.SortedClusters(services.GroupByCity(records))
	if top > 0 && len(clusters) > top {
		clusters = clusters[:top]
	}

	fmt.Fprintf(w, "Total visits:     %d\n", stats.TotalVisits)
	fmt.Fprintf(w, "Unique locations: %d\n", stats.UniqueLocations)
	fmt.Fprintf(w, "Countries:        %d\n\n", len(stats.Countries))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CITY\tCOUNTRY\tVISITS")
	for _, c := range clusters {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", c.City, c.Country, c.Count)
	}
	return tw.Flush()
}
