package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-intake/internal/app"
	"github.com/david/grant-intake/internal/ingest"
	"github.com/david/grant-intake/internal/models"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 4 << 20

var ingestFileCmd = &cobra.Command{
	Use:   "ingest-file <records.jsonl>",
	Short: "Push a JSONL file of candidate records through the funnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		recs, bad, err := readJSONL(f, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, b := range bad {
			zap.L().Warn("skipping invalid record", zap.Int("line", b.Line), zap.Error(b.Err))
		}
		if len(recs) == 0 && len(bad) == 0 {
			return eris.Errorf("no records in %s", args[0])
		}

		env, err := app.Init(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		label, _ := cmd.Flags().GetString("label")
		if label == "" {
			label = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}

		items, run := env.Pipeline.ProcessBatch(ctx, label, recs, len(bad))
		formatBatch(os.Stdout, items)
		formatRuns(os.Stdout, []models.IngestRun{run})
		if run.Status == models.RunFailed {
			return eris.Errorf("run %s failed", label)
		}
		return nil
	},
}

func init() {
	ingestFileCmd.Flags().String("label", "", "run label (defaults to the file name)")
}

// lineError is a record that could not be decoded.
type lineError struct {
	Line int
	Err  error
}

// readJSONL decodes one candidate record per non-blank line. Lines that fail
// validation are returned separately; only read failures abort.
func readJSONL(r io.Reader, now time.Time) ([]models.CandidateRecord, []lineError, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var recs []models.CandidateRecord
	var bad []lineError
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := ingest.DecodeCandidate([]byte(text), now)
		if err != nil {
			bad = append(bad, lineError{Line: line, Err: err})
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, eris.Wrapf(err, "read line %d", line+1)
	}
	return recs, bad, nil
}
