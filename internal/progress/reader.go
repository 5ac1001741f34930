package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative byte count via a callback.
// The count starts at the offset the transfer resumed from, so callers always see
// totals relative to the whole file and not to the current response body.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	written        int64 // cumulative total, including the resume offset
	sinceReport    int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader returns a Reader that calls cb at least every interval bytes and once
// more when the underlying reader is exhausted.
func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		written:        offset,
		reportInterval: interval,
	}
}

// Written returns the cumulative number of bytes seen so far.
func (pr *Reader) Written() int64 {
	return pr.written
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.written += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || (pr.Total > 0 && pr.written >= pr.Total) {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

func (pr *Reader) report() {
	pr.sinceReport = 0

	if pr.OnProgress != nil {
		pr.OnProgress(pr.written, pr.Total)
	}
}
