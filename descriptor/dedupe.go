package descriptor

import "strings"

// Dedupe cleans a raw listing: blank lines and # comments are dropped,
// the first descriptor for each host:port is kept, and descriptors that
// can't be parsed are kept once each (they fail probing later).
func Dedupe(lines []string) []string {
	seenEndpoint := map[string]bool{}
	seenLine := map[string]bool{}
	r := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ep, err := Parse(line)
		if err != nil {
			if seenLine[line] {
				continue
			}
			seenLine[line] = true
			r = append(r, line)
			continue
		}

		addr := ep.Address()
		if seenEndpoint[addr] {
			continue
		}
		seenEndpoint[addr] = true
		r = append(r, line)
	}

	return r
}
