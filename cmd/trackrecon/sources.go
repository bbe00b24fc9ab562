package main

// File-based sources feeding the pipeline from plain CSV text.
// Reading the actual vendor wire formats (Mimosa26 VME frames,
// Timepix3 TDC streams, ...) stays outside the library; these CSV
// readers exist so cmd/trackrecon can drive it as a real consumer
// would rather than leaving Decoder/FrameSource/TriggerSource
// abstract.

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/eventbuilder"
	"github.com/beamtest/trackrecon/internal/ingest"
)

// csvReader is the shared scanning primitive: skips a header line,
// splits remaining lines on commas, skips blank lines and "#" comments.
type csvReader struct {
	f       *os.File
	scanner *bufio.Scanner
}

func openCSV(path string) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, recoerr.Wrap(recoerr.ConfigError, err, "open %s", path)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if scanner.Scan() {
		// discard header row
	}
	return &csvReader{f: f, scanner: scanner}, nil
}

// next returns the next non-blank, non-comment record's fields, or
// io.EOF once the file is exhausted.
func (r *csvReader) next() ([]string, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.Split(line, ","), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *csvReader) Close() error { return r.f.Close() }

func parseFloatField(fields []string, i int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
}

func parseIntField(fields []string, i int) (int, error) {
	return strconv.Atoi(strings.TrimSpace(fields[i]))
}

// frameFileSource reads "time_begin_ps,time_end_ps,trigger_no,pivot_fraction,has_pivot"
// rows, implementing eventbuilder.FrameSource.
type frameFileSource struct{ r *csvReader }

func newFrameFileSource(path string) (*frameFileSource, error) {
	r, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	return &frameFileSource{r: r}, nil
}

func (s *frameFileSource) NextFrame() (eventbuilder.Frame, error) {
	fields, err := s.r.next()
	if err == io.EOF {
		return eventbuilder.Frame{}, recoerr.New(recoerr.EndOfFile, "frame stream exhausted")
	}
	if err != nil {
		return eventbuilder.Frame{}, err
	}
	if len(fields) < 5 {
		return eventbuilder.Frame{}, recoerr.New(recoerr.ConfigError, "malformed frame row %q", strings.Join(fields, ","))
	}
	begin, err := parseFloatField(fields, 0)
	if err != nil {
		return eventbuilder.Frame{}, recoerr.Wrap(recoerr.ConfigError, err, "frame time_begin_ps")
	}
	end, err := parseFloatField(fields, 1)
	if err != nil {
		return eventbuilder.Frame{}, recoerr.Wrap(recoerr.ConfigError, err, "frame time_end_ps")
	}
	trigNo, err := parseIntField(fields, 2)
	if err != nil {
		return eventbuilder.Frame{}, recoerr.Wrap(recoerr.ConfigError, err, "frame trigger_no")
	}
	pivot, err := parseFloatField(fields, 3)
	if err != nil {
		return eventbuilder.Frame{}, recoerr.Wrap(recoerr.ConfigError, err, "frame pivot_fraction")
	}
	hasPivot := strings.TrimSpace(fields[4]) == "1" || strings.EqualFold(strings.TrimSpace(fields[4]), "true")
	return eventbuilder.Frame{
		TimeBeginPs:   begin,
		TimeEndPs:     end,
		TriggerNo:     uint32(trigNo),
		PivotFraction: pivot,
		HasPivot:      hasPivot,
	}, nil
}

func (s *frameFileSource) Close() error { return s.r.Close() }

// triggerFileSource reads "start_ps,stop_ps,trigger_no" rows,
// implementing eventbuilder.TriggerSource.
type triggerFileSource struct{ r *csvReader }

func newTriggerFileSource(path string) (*triggerFileSource, error) {
	r, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	return &triggerFileSource{r: r}, nil
}

func (s *triggerFileSource) NextTrigger() (eventbuilder.TriggerRecord, error) {
	fields, err := s.r.next()
	if err == io.EOF {
		return eventbuilder.TriggerRecord{}, recoerr.New(recoerr.EndOfFile, "trigger stream exhausted")
	}
	if err != nil {
		return eventbuilder.TriggerRecord{}, err
	}
	if len(fields) < 3 {
		return eventbuilder.TriggerRecord{}, recoerr.New(recoerr.ConfigError, "malformed trigger row %q", strings.Join(fields, ","))
	}
	start, err := parseFloatField(fields, 0)
	if err != nil {
		return eventbuilder.TriggerRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "trigger start_ps")
	}
	stop, err := parseFloatField(fields, 1)
	if err != nil {
		return eventbuilder.TriggerRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "trigger stop_ps")
	}
	trigNo, err := parseIntField(fields, 2)
	if err != nil {
		return eventbuilder.TriggerRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "trigger trigger_no")
	}
	return eventbuilder.TriggerRecord{StartPs: start, StopPs: stop, TriggerNo: uint32(trigNo)}, nil
}

func (s *triggerFileSource) Close() error { return s.r.Close() }

// hitFileDecoder reads one detector's already-decoded hit stream:
// "is_pixel,col,row,raw,charge,timestamp_ns,message_type". A non-pixel
// row's message_type is one of "timing","overflow","serdes_lock",
// "run_start"; anything else is counted as an unknown message.
type hitFileDecoder struct{ r *csvReader }

func newHitFileDecoder(path string) (*hitFileDecoder, error) {
	r, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	return &hitFileDecoder{r: r}, nil
}

func (d *hitFileDecoder) Next() (ingest.RawRecord, error) {
	fields, err := d.r.next()
	if err == io.EOF {
		return ingest.RawRecord{}, recoerr.New(recoerr.EndOfFile, "hit stream exhausted")
	}
	if err != nil {
		return ingest.RawRecord{}, err
	}
	if len(fields) < 7 {
		return ingest.RawRecord{}, recoerr.New(recoerr.ConfigError, "malformed hit row %q", strings.Join(fields, ","))
	}
	isPixel := strings.TrimSpace(fields[0]) == "1" || strings.EqualFold(strings.TrimSpace(fields[0]), "true")
	if !isPixel {
		ts, err := parseFloatField(fields, 5)
		if err != nil {
			return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit timestamp_ns")
		}
		return ingest.RawRecord{IsPixel: false, TimestampNs: ts, MessageType: messageType(fields[6])}, nil
	}

	col, err := parseIntField(fields, 1)
	if err != nil {
		return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit col")
	}
	row, err := parseIntField(fields, 2)
	if err != nil {
		return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit row")
	}
	raw, err := parseIntField(fields, 3)
	if err != nil {
		return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit raw")
	}
	charge, err := parseFloatField(fields, 4)
	if err != nil {
		return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit charge")
	}
	ts, err := parseFloatField(fields, 5)
	if err != nil {
		return ingest.RawRecord{}, recoerr.Wrap(recoerr.ConfigError, err, "hit timestamp_ns")
	}
	return ingest.RawRecord{IsPixel: true, Col: col, Row: row, Raw: raw, Charge: charge, TimestampNs: ts}, nil
}

func messageType(s string) ingest.MessageType {
	switch strings.TrimSpace(s) {
	case "timing":
		return ingest.MessageTimingUpdate
	case "overflow":
		return ingest.MessageBufferOverflow
	case "serdes_lock":
		return ingest.MessageSerDesLockLoss
	case "run_start":
		return ingest.MessageRunStart
	default:
		return ingest.MessageUnknown
	}
}

func (d *hitFileDecoder) Close() error { return d.r.Close() }
