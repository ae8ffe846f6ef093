// Package traffic turns per-port byte counter text into usage deltas.
//
// The input is the listing of comment-tagged firewall counters, one rule per
// line. A line counts when it carries a marker of the form
//
//	/* DOWNLOAD 8080-> ... */
//	/* UPLOAD-UDP 8080-> ... */
//
// anywhere in it. The byte count is the second whitespace separated field of
// the line, which is where `iptables -L -n -v -x` prints it. Lines that open
// with the marker itself carry the count inside the comment instead; there the
// first integer after the arrow is used. TCP and UDP counters of the same
// direction are summed together.
package traffic

import (
	"regexp"
	"strconv"
	"strings"
)

var markerPattern = regexp.MustCompile(`/\* (UPLOAD|DOWNLOAD)(?:-UDP)? ([0-9]+)->`)

// Delta is the number of bytes seen on one port since the counters were last read.
type Delta struct {
	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
}

func (d Delta) Total() int64 {
	return d.Download + d.Upload
}

// Parse sums the counters in text per port number.
func Parse(text string) map[int]Delta {
	deltas := make(map[int]Delta)
	for _, line := range strings.Split(text, "\n") {
		m := markerPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		n, ok := byteCount(line)
		if !ok {
			continue
		}

		d := deltas[port]
		if m[1] == "DOWNLOAD" {
			d.Download += n
		} else {
			d.Upload += n
		}
		deltas[port] = d
	}
	return deltas
}

func byteCount(line string) (int64, bool) {
	if fields := strings.Fields(line); len(fields) >= 2 {
		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			return n, n >= 0
		}
	}
	_, rest, found := strings.Cut(line, "->")
	if !found {
		return 0, false
	}
	for _, tok := range strings.Fields(rest) {
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}
