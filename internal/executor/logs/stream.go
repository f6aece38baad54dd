package logs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"
)

// maxRecordSize bounds one structured record. Tool results embedding
// whole files can get large.
const maxRecordSize = 10 * 1024 * 1024

// RecordTranslator maps one decoded structured record to zero or more
// patches, using the tracker to allocate indexes and resolve
// correlation ids. Returning an error marks the record malformed; the
// stream itself continues.
type RecordTranslator func(tracker *Tracker, record []byte) ([]Patch, error)

// StreamNormalizer consumes line-delimited structured records. A
// malformed record yields exactly one error entry carrying the
// offending text; the stream never terminates early because of one
// bad record.
type StreamNormalizer struct {
	tracker   *Tracker
	translate RecordTranslator
	emit      func(Patch) error
	now       func() time.Time
}

// NewStreamNormalizer builds a normalizer pushing patches into emit.
func NewStreamNormalizer(tracker *Tracker, translate RecordTranslator, emit func(Patch) error) *StreamNormalizer {
	return &StreamNormalizer{
		tracker:   tracker,
		translate: translate,
		emit:      emit,
		now:       time.Now,
	}
}

// Run consumes r until EOF. An emit failure stops the run and is
// returned.
func (n *StreamNormalizer) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	for scanner.Scan() {
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		patches, err := n.translate(n.tracker, record)
		if err != nil {
			p := n.tracker.Insert(&NormalizedEntry{
				Kind:      KindError,
				Timestamp: n.now().UTC(),
				Content:   fmt.Sprintf("unparseable agent record: %v", err),
				Metadata:  map[string]any{"raw": string(record)},
			})
			if emitErr := n.emit(p); emitErr != nil {
				return emitErr
			}
			continue
		}
		for _, p := range patches {
			if emitErr := n.emit(p); emitErr != nil {
				return emitErr
			}
		}
	}
	return scanner.Err()
}
