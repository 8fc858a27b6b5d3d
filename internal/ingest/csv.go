package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/partition"
)

// RowError reports a dataset row that could not be decoded. Row is the
// zero-based data row index (the header is not counted).
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// CSVLoader reads slices of a prepared AIS CSV file.
type CSVLoader struct {
	Path            string
	TimestampLayout string
}

func openCSV(path string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open dataset")
	}
	r := csv.NewReader(f)
	r.ReuseRecord = true
	return f, r, nil
}

// Rows counts the data rows in the file.
func (l *CSVLoader) Rows(ctx context.Context) (int, error) {
	f, r, err := openCSV(l.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := r.Read(); err != nil {
		return 0, errors.Wrap(err, "read header")
	}
	n := 0
	for {
		if n%65536 == 0 && ctx.Err() != nil {
			return n, ctx.Err()
		}
		_, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, "read row %d", n)
		}
		n++
	}
}

// Load decodes rows [rng.Start, rng.End) and nothing else. A row whose
// timestamp or numeric fields cannot be decoded fails the whole slice with a
// *RowError.
func (l *CSVLoader) Load(ctx context.Context, rng partition.Range) ([]ais.Observation, error) {
	if rng.Empty() {
		return nil, nil
	}

	f, r, err := openCSV(l.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	columns, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	header, err := ais.NewHeader(append([]string(nil), columns...))
	if err != nil {
		return nil, err
	}

	out := make([]ais.Observation, 0, rng.Len())
	for row := 0; row < rng.End; row++ {
		if row%65536 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		record, err := r.Read()
		if err == io.EOF {
			log.WithField("range", rng.String()).Warnf("Dataset ended at row %d", row)
			break
		}
		if err != nil {
			return nil, &RowError{Row: row, Err: err}
		}
		if row < rng.Start {
			continue
		}
		o, err := header.Decode(record, l.TimestampLayout)
		if err != nil {
			return nil, &RowError{Row: row, Err: err}
		}
		out = append(out, o)
	}
	return out, nil
}

// Prepare writes the first size rows of the raw AIS dump at src to dst,
// keeping only the relevant columns under their prepared names. It does nothing
// when dst already exists. It returns the number of rows written.
func Prepare(src, dst string, size int) (int, error) {
	if _, err := os.Stat(dst); err == nil {
		log.WithField("path", dst).Info("Prepared dataset already exists")
		return 0, nil
	}

	in, r, err := openCSV(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	columns, err := r.Read()
	if err != nil {
		return 0, errors.Wrap(err, "read source header")
	}
	position := make(map[string]int, len(columns))
	for i, c := range columns {
		position[c] = i
	}
	picks := make([]int, len(ais.SourceColumns))
	prepared := make([]string, len(ais.SourceColumns))
	for i, c := range ais.SourceColumns {
		p, ok := position[c.Source]
		if !ok {
			return 0, errors.Errorf("source column %q not found", c.Source)
		}
		picks[i] = p
		prepared[i] = c.Prepared
	}

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrap(err, "create prepared dataset")
	}
	defer os.Remove(tmp)
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(prepared); err != nil {
		return 0, errors.Wrap(err, "write header")
	}

	n := 0
	row := make([]string, len(picks))
	for ; size <= 0 || n < size; n++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, errors.Wrapf(err, "read source row %d", n)
		}
		for i, p := range picks {
			if p < len(record) {
				row[i] = record[p]
			} else {
				row[i] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return n, errors.Wrap(err, "write row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return n, errors.Wrap(err, "flush prepared dataset")
	}
	if err := out.Close(); err != nil {
		return n, errors.Wrap(err, "close prepared dataset")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return n, errors.Wrap(err, "publish prepared dataset")
	}
	return n, nil
}
