// Package sections reads the parsed reference text that feeds the chunker.
package sections

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

// LoadReport counts what a load read and what it had to skip.
type LoadReport struct {
	Lines   int
	Loaded  int
	Skipped int
	Errors  []error
}

// LoadJSONL decodes one Section per line. Malformed lines are skipped and
// counted; only I/O failures abort the load.
func LoadJSONL(r io.Reader, logger *log.Logger) ([]models.Section, LoadReport, error) {
	logger = logging.OrNop(logger)

	var (
		out    []models.Section
		report LoadReport
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		report.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var s models.Section
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			perr := errs.Parse("section line %d: %v", report.Lines, err)
			report.Skipped++
			report.Errors = append(report.Errors, perr)
			logger.Warn().Int("line", report.Lines).Err(err).Msg("skipping malformed section")
			continue
		}
		out = append(out, s)
		report.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return out, report, fmt.Errorf("failed to read sections: %w", err)
	}

	logger.Info().Int("loaded", report.Loaded).Int("skipped", report.Skipped).Msg("sections loaded")
	return out, report, nil
}

// LoadFile opens path and decodes it with LoadJSONL.
func LoadFile(path string, logger *log.Logger) ([]models.Section, LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("failed to open sections file: %w", err)
	}
	defer f.Close()
	return LoadJSONL(f, logger)
}

// WriteJSONL writes sections one JSON record per line.
func WriteJSONL(w io.Writer, secs []models.Section) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range secs {
		if err := enc.Encode(&secs[i]); err != nil {
			return fmt.Errorf("failed to write section %d: %w", i, err)
		}
	}
	return nil
}
