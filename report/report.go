// Package report renders election results for download: CSV, Parquet and a
// printable text document.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"ballotsync/election"
)

// NotAvailable is printed when the winner cannot be shown yet.
const NotAvailable = "N/A"

// Row is one candidate line.
type Row struct {
	ID    uint64
	Name  string
	Votes uint64
}

// Report is a point-in-time rendering of an election.
type Report struct {
	Election        common.Address
	Rows            []Row
	RegisteredCount int
	TotalVotes      uint64
	Winner          string
	WinnerAvailable bool
	GeneratedAt     time.Time
}

// Build assembles a report. winner is ignored unless available is true.
func Build(contract common.Address, candidates []election.Candidate, registered int, winner string, available bool, generatedAt time.Time) Report {
	r := Report{
		Election:        contract,
		RegisteredCount: registered,
		GeneratedAt:     generatedAt.UTC(),
		WinnerAvailable: available,
	}
	for _, c := range candidates {
		r.Rows = append(r.Rows, Row{ID: c.ID, Name: c.Name, Votes: c.VoteCount})
		r.TotalVotes += c.VoteCount
	}
	if available {
		r.Winner = winner
	}
	return r
}

// WinnerLabel returns the winner name or NotAvailable.
func (r Report) WinnerLabel() string {
	if !r.WinnerAvailable || r.Winner == "" {
		return NotAvailable
	}
	return r.Winner
}

// WriteCSV writes a header, one row per candidate and a trailing winner row.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Candidate ID", "Candidate Name", "Vote Count"}); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range r.Rows {
		record := []string{
			strconv.FormatUint(row.ID, 10),
			row.Name,
			strconv.FormatUint(row.Votes, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	if err := cw.Write([]string{"", "Winner", r.WinnerLabel()}); err != nil {
		return fmt.Errorf("report: write csv winner: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Election    string `parquet:"name=election, type=BYTE_ARRAY, convertedtype=UTF8"`
	CandidateID int64  `parquet:"name=candidate_id, type=INT64"`
	Name        string `parquet:"name=candidate_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Votes       int64  `parquet:"name=vote_count, type=INT64"`
	IsWinner    bool   `parquet:"name=is_winner, type=BOOLEAN"`
	GeneratedAt string `parquet:"name=generated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet writes one row per candidate. is_winner is only set once the
// winner is available.
func WriteParquet(w io.Writer, r Report) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	generated := r.GeneratedAt.Format(time.RFC3339)
	for _, row := range r.Rows {
		pr := &parquetRow{
			Election:    r.Election.Hex(),
			CandidateID: int64(row.ID),
			Name:        row.Name,
			Votes:       int64(row.Votes),
			IsWinner:    r.WinnerAvailable && row.Name == r.Winner,
			GeneratedAt: generated,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	return nil
}

// WritePrintable renders a plain-text document suitable for printing.
func WritePrintable(w io.Writer, r Report) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "Voting Report\n=============\n\n"); err != nil {
		return err
	}
	p.Fprintf(w, "Election:          %s\n", r.Election.Hex())
	p.Fprintf(w, "Generated:         %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	p.Fprintf(w, "Registered voters: %d\n", r.RegisteredCount)
	p.Fprintf(w, "Votes cast:        %d\n\n", r.TotalVotes)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCandidate\tVotes")
	for i, row := range r.Rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, row.Name, p.Sprintf("%d", row.Votes))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := p.Fprintf(w, "\nWinner: %s\n", r.WinnerLabel())
	return err
}
