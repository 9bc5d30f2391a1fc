package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/f4n4t/go-btforensics"
	"github.com/f4n4t/go-release/pkg/utils"
	"github.com/mitchellh/colorstring"
)

func writeTable(w io.Writer, header []string, records [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range records {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}

	return tw.Flush()
}

// writeCSV uses the excel dialect, CRLF line endings included.
func writeCSV(w io.Writer, header []string, records [][]string) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true

	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(records); err != nil {
		return err
	}

	return cw.Error()
}

func writeCSVFile(filename string, header []string, records [][]string) error {
	var buf bytes.Buffer
	if err := writeCSV(&buf, header, records); err != nil {
		return fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}
	return nil
}

func printSummary(w io.Writer, report *btforensics.PieceReport) {
	color := "[green]"
	if !report.AllMatched() {
		color = "[yellow]"
	}

	fmt.Fprintln(w, colorstring.Color(fmt.Sprintf("%s%d/%d pieces match[reset] (piece length %s, %s total)",
		color, report.MatchedCount(), len(report.Rows),
		utils.Bytes(report.PieceLength), utils.Bytes(report.TotalLength))))

	if report.MissingFiles > 0 || len(report.Gaps) > 0 {
		var filled int64
		for _, g := range report.Gaps {
			filled += g.Length
		}
		fmt.Fprintln(w, colorstring.Color(fmt.Sprintf("[yellow]%d missing files, %s filled",
			report.MissingFiles, utils.Bytes(filled))))
	}
}

// collectLines decodes every non-empty line of filename and renumbers the rows across lines.
func collectLines[T any](filename string, parse func(string) ([]T, error), setIndex func(*T, int)) ([]T, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}
	defer file.Close()

	var (
		rows   []T
		lineNo int
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parsed, err := parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		for i := range parsed {
			setIndex(&parsed[i], len(rows)+1)
			rows = append(rows, parsed[i])
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}

	return rows, nil
}
