package hds

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// abstHeaderMinLen is the minimum number of bytes an abst box needs before
// its variable-length sections begin: 4 (size) + 4 (type) + 4 (version/
// flags) + 4 (bootstrap version) + 1 (flags) + 4 (timescale) + 8 (live
// current time) + 8 (SMPTE offset, skipped).
const abstHeaderMinLen = 37

// parseBootstrap decodes the raw bytes of an abst box into a bootstrap. It
// is tolerant of a minimum header plus trailing variable-length sections;
// any structural problem returns a wrapped ErrBootstrapInvalid. Open treats
// that as fatal; the live worker logs it and keeps the previous tables.
func parseBootstrap(data []byte, logger *slog.Logger) (*bootstrap, error) {
	r := &byteCursor{data: data}

	hdr, err := peekBoxHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootstrapInvalid, err)
	}
	if hdr.Type != "abst" {
		return nil, fmt.Errorf("%w: expected abst box, got %q", ErrBootstrapInvalid, hdr.Type)
	}
	r.pos = hdr.HeaderLen

	if len(data) < abstHeaderMinLen {
		return nil, fmt.Errorf("%w: truncated abst header", ErrBootstrapInvalid)
	}

	r.skip(4) // version/flags
	r.skip(4) // bootstrap version
	r.skip(1) // profile/live/update flags (interpreted at manifest level)

	timescale, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: timescale: %v", ErrBootstrapInvalid, err)
	}
	liveCurrentTime, err := r.readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: live current time: %v", ErrBootstrapInvalid, err)
	}
	r.skip(8) // SMPTE timecode offset, unused

	movieID, err := r.readCString()
	if err != nil {
		return nil, fmt.Errorf("%w: movie id: %v", ErrBootstrapInvalid, err)
	}

	serverCount, err := r.readU8()
	if err != nil {
		return nil, fmt.Errorf("%w: server count: %v", ErrBootstrapInvalid, err)
	}
	servers := make([]string, 0, serverCount)
	for i := 0; i < int(serverCount); i++ {
		s, err := r.readCString()
		if err != nil {
			return nil, fmt.Errorf("%w: server entry %d: %v", ErrBootstrapInvalid, i, err)
		}
		if len(servers) < maxServerEntries {
			servers = append(servers, s)
		}
	}

	qualityCount, err := r.readU8()
	if err != nil {
		return nil, fmt.Errorf("%w: quality count: %v", ErrBootstrapInvalid, err)
	}
	var qualityModifier string
	if qualityCount > maxQualityEntries {
		if logger != nil {
			logger.Warn("hds: bootstrap declares multiple quality entries, not supported", slog.Int("count", int(qualityCount)))
		}
		return nil, fmt.Errorf("%w: unsupported multi-quality bootstrap", ErrBootstrapInvalid)
	}
	for i := 0; i < int(qualityCount); i++ {
		s, err := r.readCString()
		if err != nil {
			return nil, fmt.Errorf("%w: quality entry %d: %v", ErrBootstrapInvalid, i, err)
		}
		// A single quality entry is treated unconditionally as the
		// modifier: see DESIGN.md for why this departs from a literal
		// reading of the entry-matching rule.
		qualityModifier = s
	}

	if _, err := r.readCString(); err != nil { // drm data, unused
		return nil, fmt.Errorf("%w: drm data: %v", ErrBootstrapInvalid, err)
	}
	if _, err := r.readCString(); err != nil { // metadata, unused
		return nil, fmt.Errorf("%w: metadata: %v", ErrBootstrapInvalid, err)
	}

	asrtCount, err := r.readU8()
	if err != nil {
		return nil, fmt.Errorf("%w: asrt count: %v", ErrBootstrapInvalid, err)
	}
	var segmentRuns []segmentRun
	for i := 0; i < int(asrtCount); i++ {
		runs, err := parseASRT(r, qualityModifier)
		if err != nil {
			return nil, fmt.Errorf("%w: asrt %d: %v", ErrBootstrapInvalid, i, err)
		}
		segmentRuns = append(segmentRuns, runs...)
		if len(segmentRuns) > maxSegmentRuns {
			return nil, fmt.Errorf("%w: too many segment-run entries (%d)", ErrBootstrapInvalid, len(segmentRuns))
		}
	}

	afrtCount, err := r.readU8()
	if err != nil {
		return nil, fmt.Errorf("%w: afrt count: %v", ErrBootstrapInvalid, err)
	}
	var fragmentRuns []fragmentRun
	var afrtTimescale uint32
	for i := 0; i < int(afrtCount); i++ {
		ts, runs, err := parseAFRT(r, qualityModifier)
		if err != nil {
			return nil, fmt.Errorf("%w: afrt %d: %v", ErrBootstrapInvalid, i, err)
		}
		afrtTimescale = ts
		fragmentRuns = append(fragmentRuns, runs...)
		if len(fragmentRuns) > maxFragmentRuns {
			return nil, fmt.Errorf("%w: too many fragment-run entries (%d)", ErrBootstrapInvalid, len(fragmentRuns))
		}
	}

	return &bootstrap{
		Timescale:              timescale,
		AfrtTimescale:          afrtTimescale,
		LiveCurrentTime:        liveCurrentTime,
		MovieID:                movieID,
		ServerEntries:          servers,
		QualitySegmentModifier: qualityModifier,
		SegmentRuns:            segmentRuns,
		FragmentRuns:           fragmentRuns,
	}, nil
}

// parseASRT decodes one segment-run-table box. Entries are only kept when
// the table has no quality modifier configured, or one of its quality
// entries matches it - the match is unconditional here because the stream
// already resolved qualityModifier to the bootstrap's single declared
// entry (see parseBootstrap).
func parseASRT(r *byteCursor, qualityModifier string) ([]segmentRun, error) {
	hdr, err := r.peekHeaderHere()
	if err != nil {
		return nil, err
	}
	if hdr.Type != "asrt" {
		return nil, fmt.Errorf("expected asrt box, got %q", hdr.Type)
	}
	r.skip(hdr.HeaderLen)
	r.skip(4) // version/flags

	qualityCount, err := r.readU8()
	if err != nil {
		return nil, err
	}
	matched := qualityModifier == ""
	for i := 0; i < int(qualityCount); i++ {
		s, err := r.readCString()
		if err != nil {
			return nil, err
		}
		if qualityModifier != "" && s == qualityModifier {
			matched = true
		}
	}

	count, err := r.readU32()
	if err != nil {
		return nil, err
	}
	runs := make([]segmentRun, 0, count)
	for i := uint32(0); i < count; i++ {
		first, err := r.readU32()
		if err != nil {
			return nil, err
		}
		perSeg, err := r.readU32()
		if err != nil {
			return nil, err
		}
		if matched {
			runs = append(runs, segmentRun{FirstSegment: first, FragmentsPerSegment: perSeg})
		}
	}
	return runs, nil
}

// parseAFRT decodes one fragment-run-table box, returning its authoritative
// timescale alongside the matched entries.
func parseAFRT(r *byteCursor, qualityModifier string) (uint32, []fragmentRun, error) {
	hdr, err := r.peekHeaderHere()
	if err != nil {
		return 0, nil, err
	}
	if hdr.Type != "afrt" {
		return 0, nil, fmt.Errorf("expected afrt box, got %q", hdr.Type)
	}
	r.skip(hdr.HeaderLen)
	r.skip(4) // version/flags

	timescale, err := r.readU32()
	if err != nil {
		return 0, nil, err
	}

	qualityCount, err := r.readU8()
	if err != nil {
		return 0, nil, err
	}
	matched := qualityModifier == ""
	for i := 0; i < int(qualityCount); i++ {
		s, err := r.readCString()
		if err != nil {
			return 0, nil, err
		}
		if qualityModifier != "" && s == qualityModifier {
			matched = true
		}
	}

	count, err := r.readU32()
	if err != nil {
		return 0, nil, err
	}
	runs := make([]fragmentRun, 0, count)
	for i := uint32(0); i < count; i++ {
		start, err := r.readU32()
		if err != nil {
			return 0, nil, err
		}
		ts, err := r.readU64()
		if err != nil {
			return 0, nil, err
		}
		dur, err := r.readU32()
		if err != nil {
			return 0, nil, err
		}
		var discont uint8
		if dur == 0 {
			discont, err = r.readU8()
			if err != nil {
				return 0, nil, err
			}
		}
		if matched {
			runs = append(runs, fragmentRun{
				FragmentNumberStart: start,
				FragmentTimestamp:   ts,
				FragmentDuration:    dur,
				Discont:             discont,
			})
		}
	}
	return timescale, runs, nil
}

// byteCursor is a small forward-only reader over a fixed byte slice, used
// while walking the abst/asrt/afrt binary layout.
type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) skip(n int) { c.pos += n }

func (c *byteCursor) peekHeaderHere() (boxHeader, error) {
	if c.pos > len(c.data) {
		return boxHeader{}, fmt.Errorf("%w: cursor past end of buffer", ErrBoxTruncated)
	}
	return peekBoxHeader(c.data[c.pos:])
}

func (c *byteCursor) readU8() (uint8, error) {
	if c.pos+1 > len(c.data) {
		return 0, fmt.Errorf("%w: need 1 byte", ErrBoxTruncated)
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *byteCursor) readU32() (uint32, error) {
	if c.pos+4 > len(c.data) {
		return 0, fmt.Errorf("%w: need 4 bytes", ErrBoxTruncated)
	}
	v := binary.BigEndian.Uint32(c.data[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *byteCursor) readU64() (uint64, error) {
	if c.pos+8 > len(c.data) {
		return 0, fmt.Errorf("%w: need 8 bytes", ErrBoxTruncated)
	}
	v := binary.BigEndian.Uint64(c.data[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

// readCString reads bytes up to and including a NUL terminator, returning
// the string without the terminator.
func (c *byteCursor) readCString() (string, error) {
	if c.pos > len(c.data) {
		return "", fmt.Errorf("%w: cursor past end of buffer", ErrBoxTruncated)
	}
	idx := bytes.IndexByte(c.data[c.pos:], 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated string", ErrBoxTruncated)
	}
	s := string(c.data[c.pos : c.pos+idx])
	c.pos += idx + 1
	return s, nil
}
