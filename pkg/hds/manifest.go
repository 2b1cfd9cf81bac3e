package hds

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// maxElementDepth bounds the element stack while pull-parsing, in the
// manner of a defensive streaming parser that refuses to recurse forever
// on a malformed document.
const maxElementDepth = 256

// bootstrapInfoElem is one <bootstrapInfo> element: either an inline
// base64-encoded abst box (VOD) or a URL to refetch it from (live).
type bootstrapInfoElem struct {
	ID      string
	URL     string
	Profile string
	Data    []byte // decoded abst bytes, nil if URL is set instead
}

// mediaElem is one <media> element referencing a bootstrap by id.
type mediaElem struct {
	StreamID        string
	URL             string
	BootstrapInfoID string
}

// manifestInfo is the parsed content of a manifest document relevant to
// stream construction; everything else in the XML is ignored.
type manifestInfo struct {
	ID              string
	DurationSeconds uint64
	Live            bool
	Bootstraps      []bootstrapInfoElem
	Media           []mediaElem
}

// parseManifest pull-parses an HDS manifest document using encoding/xml's
// token-based Decoder, in the manner of a streaming element-stack parser:
// unrecognized elements are skipped by consuming their subtree, never by
// unmarshaling the whole document into a struct.
func parseManifest(r io.Reader, logger *slog.Logger) (*manifestInfo, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	mi := &manifestInfo{}
	var stack []string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) >= maxElementDepth {
				return nil, fmt.Errorf("%w: element nesting exceeds %d", ErrManifestInvalid, maxElementDepth)
			}
			stack = append(stack, t.Name.Local)

			switch t.Name.Local {
			case "bootstrapInfo":
				elem, err := parseBootstrapInfoElem(dec, t, logger)
				if err != nil {
					return nil, err
				}
				if len(mi.Bootstraps) < maxBootstrapInfos {
					mi.Bootstraps = append(mi.Bootstraps, elem)
				} else if logger != nil {
					logger.Warn("hds: dropping bootstrapInfo beyond cap", slog.Int("cap", maxBootstrapInfos))
				}
				stack = stack[:len(stack)-1]
			case "media":
				elem := parseMediaElem(t)
				if len(mi.Media) >= maxMediaEntries {
					return nil, fmt.Errorf("%w: too many media entries (cap %d)", ErrManifestInvalid, maxMediaEntries)
				}
				mi.Media = append(mi.Media, elem)
			}

		case xml.EndElement:
			if len(stack) > 0 && stack[len(stack)-1] == t.Name.Local {
				stack = stack[:len(stack)-1]
			}

		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			switch stack[len(stack)-1] {
			case "duration":
				if parent := parentElem(stack); parent == "manifest" {
					secs, ok := parseDurationSeconds(string(t))
					if ok {
						mi.DurationSeconds = secs
					}
				}
			case "id":
				if parent := parentElem(stack); parent == "manifest" {
					mi.ID = strings.TrimSpace(string(t))
				}
			}
		}
	}

	mi.Live = mi.DurationSeconds == 0

	if len(mi.Media) == 0 {
		return nil, fmt.Errorf("%w: no media elements", ErrManifestInvalid)
	}

	return mi, nil
}

// parentElem returns the element enclosing the current top of stack, or ""
// at the root.
func parentElem(stack []string) string {
	if len(stack) < 2 {
		return ""
	}
	return stack[len(stack)-2]
}

func parseDurationSeconds(text string) (uint64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return uint64(math.Floor(f)), true
}

func parseMediaElem(start xml.StartElement) mediaElem {
	var m mediaElem
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "streamId":
			m.StreamID = attr.Value
		case "url":
			m.URL = attr.Value
		case "bootstrapInfoId":
			m.BootstrapInfoID = attr.Value
		}
	}
	return m
}

// parseBootstrapInfoElem reads the bootstrapInfo element's attributes and,
// if present, its base64 text body (whitespace stripped before decoding).
func parseBootstrapInfoElem(dec *xml.Decoder, start xml.StartElement, logger *slog.Logger) (bootstrapInfoElem, error) {
	elem := bootstrapInfoElem{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			elem.ID = attr.Value
		case "url":
			elem.URL = attr.Value
		case "profile":
			elem.Profile = attr.Value
		}
	}

	var body strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return elem, fmt.Errorf("%w: bootstrapInfo body: %v", ErrManifestInvalid, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			body.Write(t)
		case xml.EndElement:
			if t.Name.Local == "bootstrapInfo" {
				text := stripWhitespace(body.String())
				if text != "" {
					data, err := base64.StdEncoding.DecodeString(text)
					if err != nil {
						if logger != nil {
							logger.Warn("hds: bootstrapInfo body is not valid base64", slog.String("id", elem.ID), slog.Any("error", err))
						}
					} else {
						elem.Data = data
					}
				}
				return elem, nil
			}
		}
	}
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
