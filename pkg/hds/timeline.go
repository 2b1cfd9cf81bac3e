package hds

import "fmt"

// generateNextChunk produces the Chunk that follows prev (nil for the
// first chunk of the stream) against bs's run tables. Callers must hold
// s.bootstrapMu for the duration of this call, since it reads bs's tables.
func generateNextChunk(bs *bootstrap, prev *Chunk, live bool) (*Chunk, error) {
	c := &Chunk{}

	startEntry := 0
	if prev != nil {
		c.Timestamp = prev.Timestamp + uint64(prev.Duration)
		c.FragNum = prev.FragNum + 1
		startEntry = prev.FrunEntry
	} else if live {
		if bs.Timescale == 0 {
			return nil, fmt.Errorf("%w: zero timescale", ErrTimelineGap)
		}
		c.Timestamp = bs.LiveCurrentTime * uint64(bs.AfrtTimescale) / uint64(bs.Timescale)
		c.FragNum = 0
	} else {
		if len(bs.FragmentRuns) == 0 {
			return nil, fmt.Errorf("%w: no fragment runs", ErrTimelineGap)
		}
		first := bs.FragmentRuns[0]
		c.Timestamp = first.FragmentTimestamp
		c.FragNum = first.FragmentNumberStart
	}

	if err := resolveFragmentRun(bs, c, startEntry); err != nil {
		return nil, err
	}

	if err := resolveSegment(bs, c); err != nil {
		return nil, err
	}

	return c, nil
}

// resolveFragmentRun walks bs.FragmentRuns starting at entry, filling in
// c.FragNum/Timestamp/Duration/FrunEntry per the three cases in the
// fragment-run search: discontinuity marker, implicit fragment number, and
// explicit fragment number match.
func resolveFragmentRun(bs *bootstrap, c *Chunk, entry int) error {
	runs := bs.FragmentRuns
	// implicit is decided once, before the search starts: c.FragNum == 0
	// signals "resolve this chunk's fragment number from its timestamp"
	// (the live-first-chunk case), and that intent does not change as the
	// search walks past runs that don't contain the timestamp.
	implicit := c.FragNum == 0
	for i := entry; i < len(runs); i++ {
		run := runs[i]
		last := i == len(runs)-1

		if run.isDiscontinuity() {
			if last {
				return fmt.Errorf("%w: trailing discontinuity marker", ErrTimelineGap)
			}
			next := runs[i+1]
			c.FragNum = next.FragmentNumberStart
			c.Timestamp = next.FragmentTimestamp
			c.Duration = next.FragmentDuration
			c.FrunEntry = i + 1
			return nil
		}

		if implicit {
			// Implicit numbering: identify the run containing c.Timestamp.
			inRange := last || c.Timestamp < runs[i+1].FragmentTimestamp
			if c.Timestamp >= run.FragmentTimestamp && inRange {
				if run.FragmentDuration == 0 {
					return fmt.Errorf("%w: implicit run has zero duration", ErrTimelineGap)
				}
				c.FragNum = run.FragmentNumberStart + uint32((c.Timestamp-run.FragmentTimestamp)/uint64(run.FragmentDuration))
				c.Duration = run.FragmentDuration
				c.FrunEntry = i
				return nil
			}
			continue
		}

		matches := run.FragmentNumberStart <= c.FragNum && (last || runs[i+1].FragmentNumberStart > c.FragNum)
		if matches {
			c.Duration = run.FragmentDuration
			c.Timestamp = run.FragmentTimestamp + uint64(run.FragmentDuration)*uint64(c.FragNum-run.FragmentNumberStart)
			c.FrunEntry = i
			return nil
		}
	}
	return fmt.Errorf("%w: no matching fragment run for frag %d", ErrTimelineGap, c.FragNum)
}

// resolveSegment computes c.SegNum from bs.SegmentRuns using the
// accumulator closed form: fragmentsAccum starts at the timeline's first
// fragment number (so the very first fragment contributes zero offset into
// the first segment run) and increments between runs by
// (next.FirstSegment-cur.FirstSegment)*cur.FragmentsPerSegment.
func resolveSegment(bs *bootstrap, c *Chunk) error {
	if len(bs.SegmentRuns) == 0 {
		return fmt.Errorf("%w: no segment runs", ErrTimelineGap)
	}

	fragmentsAccum := uint32(0)
	if len(bs.FragmentRuns) > 0 {
		fragmentsAccum = bs.FragmentRuns[0].FragmentNumberStart
	}
	for i, run := range bs.SegmentRuns {
		last := i == len(bs.SegmentRuns)-1
		if run.FragmentsPerSegment == 0 {
			return fmt.Errorf("%w: zero fragments_per_segment in segment run %d", ErrTimelineGap, i)
		}

		segNum := run.FirstSegment + (c.FragNum-fragmentsAccum)/run.FragmentsPerSegment
		if last || bs.SegmentRuns[i+1].FirstSegment > segNum {
			c.SegNum = segNum
			return nil
		}

		next := bs.SegmentRuns[i+1]
		fragmentsAccum += (next.FirstSegment - run.FirstSegment) * run.FragmentsPerSegment
	}
	return fmt.Errorf("%w: segment runs exhausted", ErrTimelineGap)
}

// markEOF sets c.EOF per the VOD end-of-stream rule: the chunk's end time,
// converted to seconds, has reached or passed the manifest duration.
func markEOF(bs *bootstrap, c *Chunk, durationSeconds uint64) {
	if bs.AfrtTimescale == 0 {
		return
	}
	endSeconds := (c.Timestamp + uint64(c.Duration)) / uint64(bs.AfrtTimescale)
	if endSeconds >= durationSeconds {
		c.EOF = true
	}
}
