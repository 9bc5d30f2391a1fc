// Command btforensics checks data found on disk against the piece table of a torrent file and
// decodes the peer tables uTorrent keeps in dht.dat and resume.dat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/f4n4t/go-btforensics"
	"github.com/mitchellh/colorstring"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	cmdPieceAnalysis = "torrent-piece-analysis"
	cmdDHTNodes      = "utorrent-dht-nodes"
	cmdResumePeers   = "utorrent-resume-peers"
)

// exit codes per error kind
const (
	exitOK = iota
	exitOther
	exitFormat
	exitParse
	exitIO
	exitInsufficientData
	exitInvalidArgument
	exitMismatch
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("btforensics", flag.ContinueOnError)
	global.SetOutput(stderr)
	verbose := global.Bool("v", false, "debug logging")
	quiet := global.Bool("q", false, "only log errors")
	global.Usage = func() {
		fmt.Fprintf(stderr, "usage: btforensics [-v|-q] <%s|%s|%s> [flags]\n", cmdPieceAnalysis, cmdDHTNodes, cmdResumePeers)
		global.PrintDefaults()
	}

	if err := global.Parse(args); err != nil {
		return exitInvalidArgument
	}

	setupLogging(stderr, *verbose, *quiet)

	if global.NArg() == 0 {
		global.Usage()
		return exitInvalidArgument
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error

	switch sub, subArgs := global.Arg(0), global.Args()[1:]; sub {
	case cmdPieceAnalysis:
		err = runPieceAnalysis(ctx, subArgs, stdout, stderr)
	case cmdDHTNodes:
		err = runDHTNodes(subArgs, stdout, stderr)
	case cmdResumePeers:
		err = runResumePeers(subArgs, stdout, stderr)
	default:
		err = fmt.Errorf("%w: unknown command %q", btforensics.ErrInvalidArgument, sub)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		printError(stderr, err)
		return exitCode(err)
	}

	return exitOK
}

func setupLogging(w io.Writer, verbose, quiet bool) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	switch {
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// exitCode maps the error kind to the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, btforensics.ErrFormat):
		return exitFormat
	case errors.Is(err, btforensics.ErrParse):
		return exitParse
	case errors.Is(err, btforensics.ErrIO):
		return exitIO
	case errors.Is(err, btforensics.ErrInsufficientData):
		return exitInsufficientData
	case errors.Is(err, btforensics.ErrInvalidArgument):
		return exitInvalidArgument
	case errors.Is(err, btforensics.ErrMismatch):
		return exitMismatch
	default:
		return exitOther
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, btforensics.ErrFormat):
		return "format"
	case errors.Is(err, btforensics.ErrParse):
		return "parse"
	case errors.Is(err, btforensics.ErrIO):
		return "io"
	case errors.Is(err, btforensics.ErrInsufficientData):
		return "insufficient data"
	case errors.Is(err, btforensics.ErrInvalidArgument):
		return "invalid argument"
	case errors.Is(err, btforensics.ErrMismatch):
		return "mismatch"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, colorstring.Color(fmt.Sprintf("[red]error: %s: %s", errorKind(err), err)))
}

func runPieceAnalysis(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmdPieceAnalysis, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		torrentPath = fs.String("t", "", "torrent file")
		dataPath    = fs.String("d", "", "file or folder holding the downloaded data")
		csvPath     = fs.String("o", "", "write the report as csv to this file")
		silent      = fs.Bool("silent", false, "don't print the report table")
		blobPath    = fs.String("write-blob", "", "write the assembled data to this file")
		threads     = fs.Int("threads", 0, "number of hashing workers (0 = number of cpus)")
		serial      = fs.Bool("serial", false, "hash all pieces in a single goroutine")
		parallel    = fs.Bool("parallel", false, "always use the worker pool")
		showBar     = fs.Bool("progress", false, "show a progress bar while hashing")
		filler      = fs.String("filler", string(btforensics.DefaultFiller), "byte written for missing data")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", btforensics.ErrInvalidArgument, err)
	}

	if *torrentPath == "" || *dataPath == "" {
		fs.Usage()
		return fmt.Errorf("%w: -t and -d are required", btforensics.ErrInvalidArgument)
	}
	if *serial && *parallel {
		return fmt.Errorf("%w: -serial and -parallel exclude each other", btforensics.ErrInvalidArgument)
	}
	if len(*filler) != 1 {
		return fmt.Errorf("%w: filler must be a single byte", btforensics.ErrInvalidArgument)
	}

	mode := btforensics.HashModeAuto
	switch {
	case *serial:
		mode = btforensics.HashModeSerial
	case *parallel:
		mode = btforensics.HashModeParallel
	}

	service := btforensics.NewServiceBuilder().
		WithSetProgress(*showBar).
		WithHashThreads(*threads).
		WithHashMode(mode).
		WithFiller((*filler)[0]).
		Build()

	raw, err := os.ReadFile(*torrentPath)
	if err != nil {
		return fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}

	meta, err := service.Extract(raw)
	if err != nil {
		return err
	}

	content, err := service.Assemble(meta, *dataPath)
	if err != nil {
		return err
	}

	if *blobPath != "" {
		if err := btforensics.WriteBlob(*blobPath, content); err != nil {
			return err
		}
		log.Info().Str("path", *blobPath).Msg("blob written")
	}

	report, err := service.VerifyContent(ctx, meta, content)
	if err != nil {
		return err
	}

	if *csvPath != "" {
		if err := writeCSVFile(*csvPath, btforensics.PieceReportHeader, report.Records()); err != nil {
			return err
		}
	}

	if !*silent {
		if err := writeTable(stdout, btforensics.PieceReportHeader, report.Records()); err != nil {
			return fmt.Errorf("%w: %v", btforensics.ErrIO, err)
		}
	}

	printSummary(stderr, report)

	return nil
}

// stateFlags are shared by the uTorrent decoders.
type stateFlags struct {
	hex     string
	list    string
	dat     string
	csvPath string
	silent  bool
}

func parseStateFlags(name, datName string, args []string, stderr io.Writer) (*stateFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f stateFlags
	fs.StringVar(&f.hex, "s", "", "0x prefixed hex string")
	fs.StringVar(&f.list, "f", "", "file with one 0x prefixed hex string per line")
	fs.StringVar(&f.dat, "dat", "", "path to "+datName)
	fs.StringVar(&f.csvPath, "c", "", "write the rows as csv to this file")
	fs.BoolVar(&f.silent, "silent", false, "don't print the table")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", btforensics.ErrInvalidArgument, err)
	}

	set := 0
	for _, v := range []string{f.hex, f.list, f.dat} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		fs.Usage()
		return nil, fmt.Errorf("%w: exactly one of -s, -f and -dat is required", btforensics.ErrInvalidArgument)
	}

	return &f, nil
}

func runDHTNodes(args []string, stdout, stderr io.Writer) error {
	f, err := parseStateFlags(cmdDHTNodes, "dht.dat", args, stderr)
	if err != nil {
		return err
	}

	var nodes []btforensics.DHTNode

	switch {
	case f.hex != "":
		nodes, err = btforensics.ParseDHTNodesHex(f.hex)
	case f.list != "":
		nodes, err = collectLines(f.list, btforensics.ParseDHTNodesHex, func(n *btforensics.DHTNode, i int) { n.Index = i })
	default:
		var data []byte
		if data, err = readInput(f.dat); err == nil {
			nodes, err = btforensics.ReadDHTFile(data)
		}
	}
	if err != nil {
		return err
	}

	records := make([][]string, len(nodes))
	for i, n := range nodes {
		records[i] = n.Record()
	}

	log.Info().Int("nodes", len(nodes)).Msg("decoded dht nodes")

	return emit(stdout, f, btforensics.DHTNodesHeader, records)
}

func runResumePeers(args []string, stdout, stderr io.Writer) error {
	f, err := parseStateFlags(cmdResumePeers, "resume.dat", args, stderr)
	if err != nil {
		return err
	}

	header := btforensics.ResumePeersHeader
	var records [][]string

	switch {
	case f.dat != "":
		data, err := readInput(f.dat)
		if err != nil {
			return err
		}
		torrents, err := btforensics.ReadResumeFile(data)
		if err != nil {
			return err
		}

		// one row per peer, prefixed with the torrent it belongs to
		header = append([]string{"Torrent"}, header...)
		for _, t := range torrents {
			for _, p := range t.Peers {
				records = append(records, append([]string{t.Key}, p.Record()...))
			}
		}
		log.Info().Int("torrents", len(torrents)).Int("peers", len(records)).Msg("decoded resume peers")

	default:
		var peers []btforensics.ResumePeer
		if f.hex != "" {
			peers, err = btforensics.ParseResumePeersHex(f.hex)
		} else {
			peers, err = collectLines(f.list, btforensics.ParseResumePeersHex, func(p *btforensics.ResumePeer, i int) { p.Index = i })
		}
		if err != nil {
			return err
		}
		for _, p := range peers {
			records = append(records, p.Record())
		}
		log.Info().Int("peers", len(peers)).Msg("decoded resume peers")
	}

	return emit(stdout, f, header, records)
}

func emit(stdout io.Writer, f *stateFlags, header []string, records [][]string) error {
	if f.csvPath != "" {
		if err := writeCSVFile(f.csvPath, header, records); err != nil {
			return err
		}
	}
	if !f.silent {
		if err := writeTable(stdout, header, records); err != nil {
			return fmt.Errorf("%w: %v", btforensics.ErrIO, err)
		}
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", btforensics.ErrIO, err)
	}
	return data, nil
}
