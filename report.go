package btforensics

import "strconv"

// PieceReportHeader is the header for every export of a PieceReport.
var PieceReportHeader = []string{"Piece #", "Data Hash", "Piece Hash", "Match"}

// PieceRow is the comparison of a single piece.
type PieceRow struct {
	// Index starts at 1.
	Index    int
	Computed Hash
	Expected Hash
	Matched  bool
}

// Record returns the row in the column order of PieceReportHeader.
func (r PieceRow) Record() []string {
	return []string{
		strconv.Itoa(r.Index),
		r.Computed.String(),
		r.Expected.String(),
		strconv.FormatBool(r.Matched),
	}
}

// PieceReport is the ordered result of a verification run.
type PieceReport struct {
	Rows        []PieceRow
	PieceLength int64
	TotalLength int64
	// MissingFiles and Gaps describe content that was filled, not read.
	MissingFiles int
	Gaps         []Gap
}

func newPieceReport(computed, expected []Hash) *PieceReport {
	rows := make([]PieceRow, len(expected))
	for i := range expected {
		rows[i] = PieceRow{
			Index:    i + 1,
			Computed: computed[i],
			Expected: expected[i],
			Matched:  computed[i] == expected[i],
		}
	}
	return &PieceReport{Rows: rows}
}

// Records returns all rows without header.
func (r *PieceReport) Records() [][]string {
	records := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		records[i] = row.Record()
	}
	return records
}

// MatchedCount returns the number of matching pieces.
func (r *PieceReport) MatchedCount() int {
	var n int
	for _, row := range r.Rows {
		if row.Matched {
			n++
		}
	}
	return n
}

// AllMatched is true if every piece matched.
func (r *PieceReport) AllMatched() bool {
	return r.MatchedCount() == len(r.Rows)
}
