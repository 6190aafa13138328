package spawner

import (
	"strconv"
	"strings"
)

// ParseJobID extracts a job id from submit output such as
// "Submitted batch job 209". The last whitespace-delimited token must be an
// unsigned decimal integer; a sign ("-5", "+5") or anything else is a
// *ParseError.
func ParseJobID(output string) (string, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return "", &ParseError{Output: output}
	}
	id := fields[len(fields)-1]
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", &ParseError{Output: output}
	}
	return id, nil
}
